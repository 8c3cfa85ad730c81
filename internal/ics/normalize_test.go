package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"calfeed/internal/model"
)

func TestSymbolsKeywordOverride(t *testing.T) {
	cfg := testSource(time.UTC)
	cfg.CustomEvents = []model.KeywordRule{
		keyword(t, "meeting", "users"),
		keyword(t, "standup", "clock"),
	}
	n := NewNormalizer(cfg, "")

	assert.Equal(t, []string{"fas fa-users"}, n.Symbols("Daily standup meeting", false, false))
	assert.Equal(t, []string{"fas fa-clock"}, n.Symbols("STANDUP", false, false))
	assert.Equal(t, []string{"fas fa-calendar-alt"}, n.Symbols("Lunch", false, false))
}

func TestSymbolsMerge(t *testing.T) {
	cfg := testSource(time.UTC)
	cfg.Symbols = []string{"fas fa-calendar-alt", "fas fa-repeat"}
	n := NewNormalizer(cfg, "")

	assert.Equal(t,
		[]string{"fas fa-repeat", "fas fa-calendar-alt"},
		n.Symbols("x", true, false))
	assert.Equal(t,
		[]string{"fas fa-clock", "fas fa-repeat", "fas fa-calendar-alt"},
		n.Symbols("x", true, true))
}

func TestSymbolsDoNotMutateConfig(t *testing.T) {
	cfg := testSource(time.UTC)
	cfg.CustomEvents = []model.KeywordRule{keyword(t, "gym", "dumbbell")}
	n := NewNormalizer(cfg, "")

	_ = n.Symbols("gym", false, false)
	assert.Equal(t, []string{"fas fa-calendar-alt"}, cfg.Symbols)
}

func TestExcluded(t *testing.T) {
	cfg := testSource(time.UTC)
	cfg.ExcludedEvents = []model.ExclusionFilter{{FilterBy: ""}, {FilterBy: "HOLIDAY"}}
	n := NewNormalizer(cfg, "")

	assert.True(t, n.Excluded("Public holiday"))
	assert.False(t, n.Excluded("Team sync"))
	assert.False(t, n.Excluded(""))
}

func TestIsFullDay(t *testing.T) {
	seoul := mustLoad(t, "Asia/Seoul")
	n := NewNormalizer(testSource(seoul), "")
	yes, no := true, false

	midnight := time.Date(2024, 3, 1, 0, 0, 0, 0, seoul)
	nine := time.Date(2024, 3, 1, 9, 0, 0, 0, seoul)

	tests := []struct {
		name       string
		ev         RawEvent
		start, end time.Time
		want       bool
	}{
		{"provider flag true", RawEvent{AllDayFlag: &yes}, nine, nine.Add(time.Hour), true},
		{"provider flag false wins over date-only", RawEvent{AllDayFlag: &no, Start: DateValue{DateOnly: true}}, midnight, midnight.AddDate(0, 0, 1), false},
		{"date-only start", RawEvent{Start: DateValue{DateOnly: true}}, midnight, midnight, true},
		{"midnight to midnight", RawEvent{}, midnight, midnight.Add(24 * time.Hour), true},
		{"two days midnight", RawEvent{}, midnight, midnight.Add(48 * time.Hour), false},
		{"midnight in another zone", RawEvent{}, midnight.In(time.UTC), midnight.Add(24 * time.Hour).In(time.UTC), true},
		{"timed", RawEvent{}, nine, nine.Add(24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.IsFullDay(tt.ev, tt.start, tt.end))
		})
	}
}

func TestEventDefaultsAndTransformer(t *testing.T) {
	cfg := testSource(time.UTC)
	cfg.Transformer = func(e model.CanonicalEvent) model.CanonicalEvent {
		e.Title = strings.ToUpper(e.Title)
		return e
	}
	n := NewNormalizer(cfg, "https://mirror.example.com/cal.ics")
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	ev := n.Event(RawEvent{UID: "u"}, start, start, false)
	assert.Equal(t, "NO TITLE", ev.Title)
	assert.Equal(t, "PUBLIC", ev.Class)
	assert.Equal(t, "https://mirror.example.com/cal.ics", ev.URL)
	assert.Equal(t, "Test", ev.CalendarName)
	assert.Equal(t, "#2ca02c", ev.Color)
	assert.Less(t, ev.StartMs, ev.EndMs)
}

func TestResolveTimes(t *testing.T) {
	n := NewNormalizer(testSource(time.UTC), "")

	start, end, err := n.resolveTimes(RawEvent{
		Start:       DateValue{Raw: "20240301T090000Z"},
		Duration:    90 * time.Minute,
		HasDuration: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, 90*time.Minute, end.Sub(start))

	start, end, err = n.resolveTimes(RawEvent{Start: DateValue{Raw: "20240301T090000Z"}})
	assert.NoError(t, err)
	assert.True(t, start.Equal(end))

	_, _, err = n.resolveTimes(RawEvent{Start: DateValue{Raw: "garbage"}})
	assert.Error(t, err)
}
