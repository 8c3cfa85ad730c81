package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// Validate reports every problem that would prevent the configured sources
// from running. Malformed feed URLs are not rejected here; the scheduler
// registers such sources as stopped and reports them.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Defaults.Refresh != "" {
		if _, err := cron.ParseStandard(c.Defaults.Refresh); err != nil {
			errs = append(errs, fmt.Errorf("defaults.refresh %q: %w", c.Defaults.Refresh, err))
		}
	}

	seen := make(map[string]int, len(c.Calendars))
	for i, cal := range c.Calendars {
		where := fmt.Sprintf("calendars[%d]", i)
		if strings.TrimSpace(cal.URL) == "" {
			errs = append(errs, fmt.Errorf("%s: url is required", where))
		}
		id := c.sourceID(i, cal)
		if prev, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("%s: id %q already used by calendars[%d]", where, id, prev))
		} else {
			seen[id] = i
		}
		if cal.Refresh != "" {
			if _, err := cron.ParseStandard(cal.Refresh); err != nil {
				errs = append(errs, fmt.Errorf("%s: refresh %q: %w", where, cal.Refresh, err))
			}
		}
		if cal.Auth != nil {
			switch strings.ToLower(cal.Auth.Method) {
			case "", string(model.AuthBasic), string(model.AuthBearer):
			default:
				errs = append(errs, fmt.Errorf("%s: unsupported auth method %q", where, cal.Auth.Method))
			}
		}
	}

	return errors.Join(errs...)
}

// Sources resolves every calendar against the global defaults. loc is the
// display location shared by all sources.
func (c *Config) Sources(loc *time.Location) []model.SourceConfig {
	out := make([]model.SourceConfig, 0, len(c.Calendars))
	for i, cal := range c.Calendars {
		out = append(out, c.resolve(i, cal, loc))
	}
	return out
}

func (c *Config) sourceID(i int, cal CalendarConfig) string {
	if cal.ID != "" {
		return cal.ID
	}
	return fmt.Sprintf("%s_%d", c.InstanceID, i)
}

func (c *Config) resolve(i int, cal CalendarConfig, loc *time.Location) model.SourceConfig {
	d := c.Defaults
	o := cal.SourceOptions

	className := firstNonEmpty(o.SymbolClassName, d.SymbolClassName, defaultSymbolClassName)

	symbols := o.Symbol
	if len(symbols) == 0 {
		symbols = d.Symbol
	}
	if len(symbols) == 0 {
		symbols = SymbolList{firstNonEmpty(o.DefaultSymbol, d.DefaultSymbol, defaultSymbol)}
	}
	recurring := d.RecurringSymbol
	if o.RecurringSymbol != nil {
		recurring = o.RecurringSymbol
	}
	fullDay := d.FullDaySymbol
	if o.FullDaySymbol != nil {
		fullDay = o.FullDaySymbol
	}
	custom := d.CustomEvents
	if len(o.CustomEvents) > 0 {
		custom = o.CustomEvents
	}
	excluded := d.ExcludedEvents
	if o.ExcludedEvents != nil {
		excluded = o.ExcludedEvents
	}

	id := c.sourceID(i, cal)
	sc := model.SourceConfig{
		ID:                  id,
		Name:                calendarName(cal),
		URL:                 strings.TrimSpace(cal.URL),
		Color:               firstNonEmpty(o.Color, d.Color),
		Auth:                resolveAuth(cal.Auth),
		SelfSignedCert:      firstBool(o.SelfSignedCert, d.SelfSignedCert),
		RequestTimeout:      firstDuration(o.RequestTimeout, d.RequestTimeout),
		FetchInterval:       firstDuration(o.FetchInterval, d.FetchInterval, defaultFetchInterval),
		Refresh:             firstNonEmpty(o.Refresh, d.Refresh),
		MaximumEntries:      firstPositive(o.MaximumEntries, d.MaximumEntries, defaultMaximumEntries),
		MaximumNumberOfDays: firstPositive(o.MaximumNumberOfDays, d.MaximumNumberOfDays, defaultMaximumDays),
		PastDaysCount:       firstInt(o.PastDaysCount, d.PastDaysCount),
		SymbolClassName:     className,
		Symbols:             resolveSymbols(symbols, className),
		RecurringSymbols:    resolveSymbols(recurring, className),
		FullDaySymbols:      resolveSymbols(fullDay, className),
		CustomEvents:        compileKeywordRules(id, custom),
		Location:            loc,
	}
	for _, f := range excluded {
		sc.ExcludedEvents = append(sc.ExcludedEvents, model.ExclusionFilter{FilterBy: f.FilterBy})
	}
	return sc
}

// calendarName falls back to the last URL path segment without ".ics",
// then to "Calendar".
func calendarName(cal CalendarConfig) string {
	if cal.Name != "" {
		return cal.Name
	}
	if u, err := url.Parse(strings.TrimSpace(cal.URL)); err == nil {
		base := strings.TrimSuffix(path.Base(u.Path), ".ics")
		if base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "Calendar"
}

func resolveAuth(a *AuthConfig) *model.Auth {
	if a == nil {
		return nil
	}
	switch strings.ToLower(a.Method) {
	case string(model.AuthBearer):
		return &model.Auth{Method: model.AuthBearer, Pass: a.Pass}
	default:
		return &model.Auth{Method: model.AuthBasic, User: a.User, Pass: a.Pass}
	}
}

// resolveSymbols prefixes bare names with the class name. Entries that
// already contain a space are taken as full class strings.
func resolveSymbols(names SymbolList, className string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if strings.Contains(n, " ") {
			out = append(out, n)
			continue
		}
		out = append(out, className+n)
	}
	return out
}

// compileKeywordRules builds case-insensitive patterns. A keyword that is
// not a valid regular expression is matched literally.
func compileKeywordRules(id string, events []CustomEvent) []model.KeywordRule {
	rules := make([]model.KeywordRule, 0, len(events))
	for _, ev := range events {
		if ev.Keyword == "" || ev.Symbol == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + ev.Keyword)
		if err != nil {
			appLog.Warn("custom event keyword is not a valid pattern, matching literally", "id", id, "keyword", ev.Keyword, "reason", err.Error())
			re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(ev.Keyword))
		}
		rules = append(rules, model.KeywordRule{Keyword: ev.Keyword, Symbol: ev.Symbol, Pattern: re})
	}
	return rules
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil && *v >= 0 {
			return *v
		}
	}
	return 0
}

func firstBool(vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return false
}
