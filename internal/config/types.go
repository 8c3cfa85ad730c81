package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SymbolList accepts either a single symbol name or a list of them:
//
//	symbol: calendar-alt
//	symbol: [calendar-alt, briefcase]
type SymbolList []string

func (s *SymbolList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var one string
		if err := value.Decode(&one); err != nil {
			return err
		}
		if one == "" {
			*s = SymbolList{}
			return nil
		}
		*s = SymbolList{one}
		return nil
	case yaml.SequenceNode:
		list := make([]string, 0, len(value.Content))
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = SymbolList(list)
		return nil
	default:
		return fmt.Errorf("line %d: symbol must be a string or a list of strings", value.Line)
	}
}

// ExclusionFilter accepts a bare substring or an object:
//
//	excluded_events:
//	  - Holiday
//	  - filterBy: Birthday
type ExclusionFilter struct {
	FilterBy string `yaml:"filterBy" json:"filterBy"`
}

func (f *ExclusionFilter) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&f.FilterBy)
	case yaml.MappingNode:
		type plain ExclusionFilter
		var p plain
		if err := value.Decode(&p); err != nil {
			return err
		}
		*f = ExclusionFilter(p)
		return nil
	default:
		return fmt.Errorf("line %d: excluded event must be a string or a mapping with filterBy", value.Line)
	}
}
