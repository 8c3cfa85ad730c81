package ics

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DateValue is an unparsed DATE or DATE-TIME property value together with
// the parameters needed to interpret it.
type DateValue struct {
	Raw      string
	TZID     string
	DateOnly bool
}

func (v DateValue) IsZero() bool {
	return strings.TrimSpace(v.Raw) == ""
}

// dateStrategy is one step of the date parsing chain. parse is only called
// when applies returns true and must not panic for such input.
type dateStrategy struct {
	name    string
	applies func(DateValue) bool
	parse   func(DateValue, *time.Location) (time.Time, error)
}

// dateStrategies is tried in order; the first success wins.
var dateStrategies = []dateStrategy{
	{name: "provider-local", applies: hasProviderCustomZone, parse: parseWallClock},
	{name: "standard", applies: isStandardValue, parse: parseStandard},
	{name: "components", applies: hasDateComponents, parse: parseWallClock},
	{name: "best-effort", applies: func(DateValue) bool { return true }, parse: parseBestEffort},
}

var errEmptyDate = errors.New("empty date value")

// ParseDate resolves v to an absolute time. Floating and date-only values
// are interpreted in loc.
func ParseDate(v DateValue, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if v.IsZero() {
		return time.Time{}, errEmptyDate
	}

	var errs []error
	for _, s := range dateStrategies {
		if !s.applies(v) {
			continue
		}
		t, err := s.parse(v, loc)
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return time.Time{}, errors.Join(errs...)
}

// Outlook and Exchange publish times with this pseudo zone; the values are
// wall-clock times in the viewer's zone.
const providerCustomZonePrefix = "tzone://microsoft/"

func hasProviderCustomZone(v DateValue) bool {
	return strings.HasPrefix(strings.ToLower(v.TZID), providerCustomZonePrefix)
}

var standardValueRe = regexp.MustCompile(`^\d{8}(T\d{6}Z?)?$`)

func isStandardValue(v DateValue) bool {
	return standardValueRe.MatchString(strings.TrimSpace(v.Raw))
}

func parseStandard(v DateValue, loc *time.Location) (time.Time, error) {
	raw := strings.TrimSpace(v.Raw)

	if len(raw) == 8 {
		return time.ParseInLocation("20060102", raw, loc)
	}
	if strings.HasSuffix(raw, "Z") {
		return time.Parse("20060102T150405Z", raw)
	}

	target := loc
	if tzid := strings.Trim(v.TZID, `"`); tzid != "" {
		l, err := loadTZID(tzid)
		if err != nil {
			return time.Time{}, err
		}
		target = l
	}
	return time.ParseInLocation("20060102T150405", raw, target)
}

var componentsRe = regexp.MustCompile(`(\d{4})\D?(\d{2})\D?(\d{2})(?:\D?(\d{2})\D?(\d{2})(?:\D?(\d{2}))?)?`)

func hasDateComponents(v DateValue) bool {
	return componentsRe.MatchString(v.Raw)
}

// parseWallClock rebuilds the value from its numeric fields, ignoring any
// zone information except a trailing Z on a value without TZID.
func parseWallClock(v DateValue, loc *time.Location) (time.Time, error) {
	m := componentsRe.FindStringSubmatch(v.Raw)
	if m == nil {
		return time.Time{}, fmt.Errorf("no date components in %q", v.Raw)
	}

	n := make([]int, 6)
	for i := range n {
		if m[i+1] == "" {
			continue
		}
		x, err := strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}, err
		}
		n[i] = x
	}

	target := loc
	if v.TZID == "" && strings.HasSuffix(strings.TrimSpace(v.Raw), "Z") {
		target = time.UTC
	}

	year, month, day := n[0], time.Month(n[1]), n[2]
	if month < time.January || month > time.December || day < 1 || n[3] > 23 || n[4] > 59 || n[5] > 59 {
		return time.Time{}, fmt.Errorf("invalid date components in %q", v.Raw)
	}
	if day > time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day() {
		return time.Time{}, fmt.Errorf("invalid day in %q", v.Raw)
	}
	return time.Date(year, month, day, n[3], n[4], n[5], 0, target), nil
}

func parseBestEffort(v DateValue, loc *time.Location) (time.Time, error) {
	return dateparse.ParseIn(strings.TrimSpace(v.Raw), loc)
}

// minuteKey identifies t at minute resolution.
func minuteKey(t time.Time) int64 {
	return t.Truncate(time.Minute).Unix()
}

func sameMinute(a, b time.Time) bool {
	return minuteKey(a) == minuteKey(b)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// parseICSDuration parses an RFC 5545 dur-value such as "PT1H30M" or "P1D".
func parseICSDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("duration %q: missing P designator", s)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("duration %q: missing number before %q", s, r)
		}
		x, err := strconv.Atoi(num)
		if err != nil {
			return 0, err
		}
		num = ""
		unit := time.Duration(x)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("duration %q: unexpected designator %q", s, r)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("duration %q: trailing number", s)
	}
	return sign * total, nil
}
