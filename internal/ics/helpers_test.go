package ics

import (
	"regexp"
	"strings"
	"testing"
	"time"

	_ "time/tzdata"

	"calfeed/internal/model"
)

func feed(vevents ...string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//calfeed//test//EN"}
	lines = append(lines, vevents...)
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func vevent(props ...string) string {
	return strings.Join(append(append([]string{"BEGIN:VEVENT"}, props...), "END:VEVENT"), "\r\n")
}

func testSource(loc *time.Location) model.SourceConfig {
	return model.SourceConfig{
		ID:                  "test_0",
		Name:                "Test",
		URL:                 "https://example.com/cal.ics",
		Color:               "#2ca02c",
		MaximumEntries:      100,
		MaximumNumberOfDays: 30,
		PastDaysCount:       1,
		Symbols:             []string{"fas fa-calendar-alt"},
		RecurringSymbols:    []string{"fas fa-repeat"},
		FullDaySymbols:      []string{"fas fa-clock"},
		SymbolClassName:     "fas fa-",
		Location:            loc,
	}
}

func keyword(t *testing.T, kw, symbol string) model.KeywordRule {
	t.Helper()
	return model.KeywordRule{Keyword: kw, Symbol: symbol, Pattern: regexp.MustCompile("(?i)" + kw)}
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}
