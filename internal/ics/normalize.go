package ics

import (
	"slices"
	"strings"
	"time"

	"calfeed/internal/model"
)

const (
	defaultTitle = "No Title"
	defaultClass = "PUBLIC"
)

// Normalizer turns one occurrence of a raw record into a CanonicalEvent
// according to a source's configuration.
type Normalizer struct {
	cfg model.SourceConfig
	url string
	loc *time.Location
}

// NewNormalizer builds a Normalizer. url is the address the feed was
// actually fetched from (after redirects).
func NewNormalizer(cfg model.SourceConfig, url string) *Normalizer {
	if url == "" {
		url = cfg.URL
	}
	return &Normalizer{cfg: cfg, url: url, loc: cfg.Loc()}
}

// Location returns the display location used for day boundaries.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Excluded reports whether title matches any exclusion filter.
// Empty titles and empty filters never match.
func (n *Normalizer) Excluded(title string) bool {
	if title == "" {
		return false
	}
	lower := strings.ToLower(title)
	for _, f := range n.cfg.ExcludedEvents {
		if f.FilterBy == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(f.FilterBy)) {
			return true
		}
	}
	return false
}

// IsFullDay applies the full-day policy in priority order: the provider's
// explicit flag, a date-only DTSTART, then midnight-to-midnight spanning
// exactly 24 hours in the display location.
func (n *Normalizer) IsFullDay(ev RawEvent, start, end time.Time) bool {
	if ev.AllDayFlag != nil {
		return *ev.AllDayFlag
	}
	if ev.Start.DateOnly {
		return true
	}
	return isLocalMidnight(start.In(n.loc)) &&
		isLocalMidnight(end.In(n.loc)) &&
		end.Sub(start) == 24*time.Hour
}

func isLocalMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}

// Symbols builds the ordered symbol list for one occurrence.
func (n *Normalizer) Symbols(title string, recurring, fullDay bool) []string {
	symbols := slices.Clone(n.cfg.Symbols)

	if recurring && len(n.cfg.RecurringSymbols) > 0 {
		symbols = mergeUniqueSymbols(n.cfg.RecurringSymbols, symbols)
	}
	if fullDay && len(n.cfg.FullDaySymbols) > 0 {
		symbols = mergeUniqueSymbols(n.cfg.FullDaySymbols, symbols)
	}

	for _, rule := range n.cfg.CustomEvents {
		if rule.Symbol == "" || rule.Pattern == nil {
			continue
		}
		if rule.Pattern.MatchString(title) {
			primary := n.cfg.SymbolClassName + rule.Symbol
			if len(symbols) == 0 {
				symbols = []string{primary}
			} else {
				symbols[0] = primary
			}
			break
		}
	}
	return symbols
}

// mergeUniqueSymbols returns first followed by the entries of second not
// already present.
func mergeUniqueSymbols(first, second []string) []string {
	merged := slices.Clone(first)
	for _, s := range second {
		if !slices.Contains(merged, s) {
			merged = append(merged, s)
		}
	}
	return merged
}

// Event builds the CanonicalEvent for one occurrence. end is bumped to one
// minute past start when the source gives a non-positive span.
func (n *Normalizer) Event(ev RawEvent, start, end time.Time, recurring bool) model.CanonicalEvent {
	if !end.After(start) {
		end = start.Add(time.Minute)
	}
	fullDay := n.IsFullDay(ev, start, end)

	title := ev.Summary
	if title == "" {
		title = defaultTitle
	}
	class := ev.Class
	if class == "" {
		class = defaultClass
	}

	out := model.CanonicalEvent{
		UID:          ev.UID,
		Title:        title,
		StartMs:      start.UnixMilli(),
		EndMs:        end.UnixMilli(),
		FullDay:      fullDay,
		Recurring:    recurring,
		Color:        n.cfg.Color,
		Location:     ev.Location,
		Description:  ev.Description,
		Class:        class,
		URL:          n.url,
		CalendarName: n.cfg.Name,
	}
	out.Symbols = n.Symbols(out.Title, recurring, fullDay)

	if n.cfg.Transformer != nil {
		out = n.cfg.Transformer(out)
	}
	return out
}

// resolveTimes parses DTSTART and derives the end: DTEND, else DTSTART plus
// DURATION, else DTSTART. Full-day records ending on their start day are
// extended to the next calendar day.
func (n *Normalizer) resolveTimes(ev RawEvent) (time.Time, time.Time, error) {
	start, err := ParseDate(ev.Start, n.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	end := start
	switch {
	case !ev.End.IsZero():
		e, err := ParseDate(ev.End, n.loc)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = e
	case ev.HasDuration:
		end = start.Add(ev.Duration)
	}

	if n.IsFullDay(ev, start, end) && (!end.After(start) || sameDay(start, end, n.loc)) {
		end = start.AddDate(0, 0, 1)
	}
	return start, end, nil
}
