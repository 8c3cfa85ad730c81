package ics

import (
	"cmp"
	"errors"
	"slices"
	"time"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// BuildEvents parses one feed payload and returns the occurrences inside
// the source's window, sorted by start and capped at MaximumEntries.
// Records that fail to expand are logged and dropped individually; only a
// feed-level parse failure is returned as an error.
func BuildEvents(body []byte, cfg model.SourceConfig, fetchedURL string, now time.Time) ([]model.CanonicalEvent, error) {
	raws, err := ParseFeed(cfg.ID, body)
	if err != nil {
		return nil, err
	}

	norm := NewNormalizer(cfg, fetchedURL)
	x := NewExpander(norm, ExpandConfig{
		Window: NewWindow(now.In(norm.Location()), cfg.PastDaysCount, cfg.MaximumNumberOfDays),
	})

	bases, overrides := groupOverrides(raws)

	events := make([]model.CanonicalEvent, 0, len(bases))
	for _, ev := range bases {
		if norm.Excluded(ev.Summary) {
			continue
		}

		occ, hitCap, err := x.Expand(ev, overrides[ev.UID])
		if err != nil {
			kind := "record"
			if errors.Is(err, ErrRecurrence) {
				kind = "recurrence"
			}
			appLog.Warn("ics record dropped", "id", cfg.ID, "uid", ev.UID, "summary", ev.Summary, "kind", kind, "reason", err.Error())
			continue
		}
		if hitCap {
			appLog.Warn("ics occurrences truncated", "id", cfg.ID, "uid", ev.UID, "cap", defaultMaxOccurrencesPerEvent)
		}
		events = append(events, occ...)
	}

	return SortAndCap(events, cfg.MaximumEntries), nil
}

// SortAndCap sorts events ascending by start and keeps the earliest max.
// A non-positive max disables the cap.
func SortAndCap(events []model.CanonicalEvent, max int) []model.CanonicalEvent {
	slices.SortStableFunc(events, func(a, b model.CanonicalEvent) int {
		return cmp.Compare(a.StartMs, b.StartMs)
	})
	if max > 0 && len(events) > max {
		events = events[:max]
	}
	return events
}

// groupOverrides separates RECURRENCE-ID records that belong to a recurring
// record in the same feed. Orphan overrides stay in bases as single events.
func groupOverrides(raws []RawEvent) ([]RawEvent, map[string][]RawEvent) {
	recurringUIDs := make(map[string]bool)
	for _, ev := range raws {
		if ev.UID != "" && ev.IsRecurring() && ev.RecurrenceID == nil {
			recurringUIDs[ev.UID] = true
		}
	}

	bases := make([]RawEvent, 0, len(raws))
	overrides := make(map[string][]RawEvent)
	for _, ev := range raws {
		if ev.RecurrenceID != nil && recurringUIDs[ev.UID] {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}
	return bases, overrides
}
