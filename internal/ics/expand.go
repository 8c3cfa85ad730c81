package ics

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Window is the inclusive time range occurrences must fall into.
type Window struct {
	Past   time.Time
	Future time.Time
}

// NewWindow returns the window reaching pastDays before and futureDays
// after now.
func NewWindow(now time.Time, pastDays, futureDays int) Window {
	return Window{
		Past:   now.AddDate(0, 0, -pastDays),
		Future: now.AddDate(0, 0, futureDays),
	}
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	Window Window

	// MaxOccurrencesPerEvent is a safety cap against runaway rules. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Expander turns raw records into canonical occurrences.
type Expander struct {
	norm *Normalizer
	cfg  ExpandConfig
}

func NewExpander(norm *Normalizer, cfg ExpandConfig) *Expander {
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	return &Expander{norm: norm, cfg: cfg}
}

// Expand produces the occurrences of ev inside the window. overrides are
// RECURRENCE-ID records sharing ev's UID. The boolean result reports
// whether the per-event cap was hit.
func (x *Expander) Expand(ev RawEvent, overrides []RawEvent) ([]model.CanonicalEvent, bool, error) {
	if !ev.IsRecurring() {
		occ, err := x.expandSingle(ev)
		return occ, false, err
	}
	return x.expandRecurring(ev, overrides)
}

func (x *Expander) expandSingle(ev RawEvent) ([]model.CanonicalEvent, error) {
	start, end, err := x.norm.resolveTimes(ev)
	if err != nil {
		return nil, fmt.Errorf("event times: %w", err)
	}
	if !x.overlaps(start, end) {
		return nil, nil
	}
	return []model.CanonicalEvent{x.norm.Event(ev, start, end, false)}, nil
}

func (x *Expander) expandRecurring(ev RawEvent, overrides []RawEvent) ([]model.CanonicalEvent, bool, error) {
	origStart, origEnd, err := x.norm.resolveTimes(ev)
	if err != nil {
		return nil, false, fmt.Errorf("%w: event times: %v", ErrRecurrence, err)
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, false, fmt.Errorf("%w: RRULE %q: %v", ErrRecurrence, ev.RRule, err)
	}
	r.DTStart(origStart)

	duration := origEnd.Sub(origStart)
	fullDay := x.norm.IsFullDay(ev, origStart, origEnd)
	exceptions := x.exceptions(ev)
	byInstance := x.overridesByInstance(ev, overrides)

	out := make([]model.CanonicalEvent, 0)
	seen := make(map[int64]struct{})
	hitCap := false

	emit := func(start time.Time) {
		key := minuteKey(start)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		if o, ok := byInstance[key]; ok {
			if occ, ok := x.overrideOccurrence(o); ok {
				out = append(out, occ)
			}
			return
		}
		end := occurrenceEnd(start, duration, fullDay)
		out = append(out, x.norm.Event(ev, start, end, true))
	}

	w := x.cfg.Window
	if !x.isExcepted(origStart, exceptions) && !origStart.Before(w.Past) && !origStart.After(w.Future) {
		emit(origStart)
	}

	loc := origStart.Location()
	for _, candidate := range r.Between(w.Past.In(loc), w.Future.In(loc), true) {
		if len(out) >= x.cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}
		start := reconstructStart(candidate, origStart)
		if sameMinute(start, origStart) || x.isExcepted(start, exceptions) {
			continue
		}
		emit(start)
	}

	// Instances moved into the window from a slot outside it are never
	// produced as candidates.
	for _, key := range slices.Sorted(maps.Keys(byInstance)) {
		if hitCap {
			break
		}
		if _, done := seen[key]; done {
			continue
		}
		if x.isExcepted(time.Unix(key, 0), exceptions) {
			continue
		}
		if len(out) >= x.cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}
		emit(time.Unix(key, 0))
	}

	return out, hitCap, nil
}

// reconstructStart combines the candidate's calendar date with the
// original occurrence's time of day, both read in the original's location.
// Using the candidate's own clock fields can move the day across a DST or
// provider-zone boundary.
func reconstructStart(candidate, original time.Time) time.Time {
	loc := original.Location()
	y, m, d := candidate.In(loc).Date()
	return time.Date(y, m, d, original.Hour(), original.Minute(), original.Second(), 0, loc)
}

// occurrenceEnd keeps whole-day spans on calendar days so that full-day
// instances stay midnight-aligned across DST changes.
func occurrenceEnd(start time.Time, duration time.Duration, fullDay bool) time.Time {
	if fullDay && duration > 0 && duration%(24*time.Hour) == 0 {
		return start.AddDate(0, 0, int(duration/(24*time.Hour)))
	}
	return start.Add(duration)
}

func (x *Expander) overlaps(start, end time.Time) bool {
	return !end.Before(x.cfg.Window.Past) && !start.After(x.cfg.Window.Future)
}

type exception struct {
	at       time.Time
	dateOnly bool
}

func (x *Expander) exceptions(ev RawEvent) []exception {
	out := make([]exception, 0, len(ev.ExDates))
	for _, dv := range ev.ExDates {
		t, err := ParseDate(dv, x.norm.Location())
		if err != nil {
			appLog.Warn("ics exdate ignored", "uid", ev.UID, "value", dv.Raw, "reason", err.Error())
			continue
		}
		out = append(out, exception{at: t, dateOnly: dv.DateOnly})
	}
	return out
}

// isExcepted matches timed exceptions at minute resolution and date-only
// exceptions against the whole calendar day.
func (x *Expander) isExcepted(start time.Time, exceptions []exception) bool {
	for _, e := range exceptions {
		if e.dateOnly {
			if sameDay(start, e.at, x.norm.Location()) {
				return true
			}
			continue
		}
		if sameMinute(start, e.at) {
			return true
		}
	}
	return false
}

func (x *Expander) overridesByInstance(base RawEvent, overrides []RawEvent) map[int64]RawEvent {
	out := make(map[int64]RawEvent, len(overrides))
	for _, o := range overrides {
		if o.RecurrenceID == nil {
			continue
		}
		rid, err := ParseDate(*o.RecurrenceID, x.norm.Location())
		if err != nil {
			appLog.Warn("ics recurrence-id ignored", "uid", base.UID, "value", o.RecurrenceID.Raw, "reason", err.Error())
			continue
		}
		out[minuteKey(rid)] = o
	}
	return out
}

// overrideOccurrence renders a RECURRENCE-ID record in place of the
// instance it replaces.
func (x *Expander) overrideOccurrence(o RawEvent) (model.CanonicalEvent, bool) {
	if x.norm.Excluded(o.Summary) {
		return model.CanonicalEvent{}, false
	}
	start, end, err := x.norm.resolveTimes(o)
	if err != nil {
		appLog.Warn("ics override skipped", "uid", o.UID, "reason", err.Error())
		return model.CanonicalEvent{}, false
	}
	if !x.overlaps(start, end) {
		return model.CanonicalEvent{}, false
	}
	return x.norm.Event(o, start, end, true), true
}
