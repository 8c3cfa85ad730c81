package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calfeed/internal/log"
)

// RawEvent is a VEVENT as read from the feed. Dates are kept unparsed so
// that the expander can run them through the date strategy chain.
type RawEvent struct {
	UID string

	Summary     string
	Description string
	Location    string
	Class       string

	Start DateValue
	End   DateValue
	// Duration is used when DTEND is absent.
	Duration    time.Duration
	HasDuration bool

	RRule   string
	ExDates []DateValue

	// RecurrenceID is set on VEVENTs that override one instance of a
	// recurring event with the same UID.
	RecurrenceID *DateValue

	// AllDayFlag mirrors X-MICROSOFT-CDO-ALLDAYEVENT when the provider sets it.
	AllDayFlag *bool
}

// IsRecurring reports whether the record carries a recurrence rule.
func (e RawEvent) IsRecurring() bool {
	return strings.TrimSpace(e.RRule) != ""
}

const propAllDayFlag = "X-MICROSOFT-CDO-ALLDAYEVENT"

// ParseFeed parses one ICS payload into raw VEVENT records.
//
//   - A payload the library cannot parse at all fails with ErrParse.
//   - A VEVENT without DTSTART is logged and skipped; the rest of the feed
//     is still returned.
func ParseFeed(sourceID string, body []byte) ([]RawEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyResponse
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	vevents := cal.Events()
	events := make([]RawEvent, 0, len(vevents))
	for i, comp := range vevents {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "id", sourceID, "index", i, "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", sourceID, "vevents", len(vevents), "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (RawEvent, error) {
	var out RawEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty("CLASS"); p != nil {
		out.Class = strings.ToUpper(strings.TrimSpace(p.Value))
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errors.New("missing DTSTART")
	}
	out.Start = dateValueOf(&dtStart.BaseProperty)

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil && strings.TrimSpace(dtEnd.Value) != "" {
		out.End = dateValueOf(&dtEnd.BaseProperty)
	} else if dur := ve.GetProperty("DURATION"); dur != nil {
		d, err := parseICSDuration(dur.Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		out.Duration = d
		out.HasDuration = true
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimPrefix(strings.TrimSpace(p.Value), "RRULE:")
	}

	// EXDATE can appear multiple times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		base := dateValueOf(&p.BaseProperty)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			dv := base
			dv.Raw = part
			dv.DateOnly = base.DateOnly || !strings.Contains(part, "T")
			out.ExDates = append(out.ExDates, dv)
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil && strings.TrimSpace(p.Value) != "" {
		rid := dateValueOf(&p.BaseProperty)
		out.RecurrenceID = &rid
	}

	if p := ve.GetProperty(propAllDayFlag); p != nil {
		switch strings.ToUpper(strings.TrimSpace(p.Value)) {
		case "TRUE":
			v := true
			out.AllDayFlag = &v
		case "FALSE":
			v := false
			out.AllDayFlag = &v
		}
	}

	return out, nil
}

// dateValueOf extracts the raw value plus TZID and VALUE=DATE parameters.
func dateValueOf(p *ical.BaseProperty) DateValue {
	dv := DateValue{Raw: strings.TrimSpace(p.Value)}

	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			dv.DateOnly = true
		}
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			dv.TZID = tzs[0]
		}
	}
	// VALUE=DATE may be omitted; a value without a time part is still a date.
	if !strings.Contains(dv.Raw, "T") {
		dv.DateOnly = true
	}
	return dv
}
