package model

import (
	"regexp"
	"time"
)

// AuthMethod selects how a source authenticates against its feed server.
type AuthMethod string

const (
	AuthNone   AuthMethod = ""
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
)

// Auth holds per-source feed credentials. For bearer auth, Pass carries the token.
type Auth struct {
	Method AuthMethod
	User   string
	Pass   string
}

// ExclusionFilter drops any record whose title contains FilterBy
// (case-insensitive).
type ExclusionFilter struct {
	FilterBy string
}

// KeywordRule overrides the primary symbol of events whose title matches
// Pattern. Pattern is compiled case-insensitively from Keyword.
type KeywordRule struct {
	Keyword string
	Symbol  string
	Pattern *regexp.Regexp
}

// Transformer rewrites a finished occurrence. It must be pure.
type Transformer func(CanonicalEvent) CanonicalEvent

// SourceConfig is the resolved, immutable configuration of one calendar
// source. Global defaults have already been merged in by the config layer.
type SourceConfig struct {
	ID    string
	Name  string
	URL   string
	Color string

	Auth           *Auth
	SelfSignedCert bool
	RequestTimeout time.Duration

	// FetchInterval is the wait after a successful cycle. When Refresh holds
	// a cron spec, the next cron tick is used instead.
	FetchInterval time.Duration
	Refresh       string

	MaximumEntries      int
	MaximumNumberOfDays int
	PastDaysCount       int

	ExcludedEvents []ExclusionFilter

	// Symbol lists are fully resolved (class name prefix applied where the
	// configuration gave a bare name).
	Symbols          []string
	RecurringSymbols []string
	FullDaySymbols   []string
	SymbolClassName  string
	CustomEvents     []KeywordRule

	// Location is the display timezone. Nil means time.Local.
	Location *time.Location

	Transformer Transformer
}

// Loc returns the display location, falling back to time.Local.
func (c SourceConfig) Loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// CanonicalEvent is a single normalized occurrence as handed to consumers.
type CanonicalEvent struct {
	UID          string   `json:"uid,omitempty"`
	Title        string   `json:"title"`
	StartMs      int64    `json:"startDate"`
	EndMs        int64    `json:"endDate"`
	FullDay      bool     `json:"fullDayEvent"`
	Recurring    bool     `json:"recurringEvent"`
	Symbols      []string `json:"symbol"`
	Color        string   `json:"color,omitempty"`
	Location     string   `json:"location,omitempty"`
	Description  string   `json:"description,omitempty"`
	Class        string   `json:"class"`
	URL          string   `json:"url"`
	CalendarName string   `json:"calendarName"`
}

// Start returns the occurrence start as a time.Time in loc.
func (e CanonicalEvent) Start(loc *time.Location) time.Time {
	return time.UnixMilli(e.StartMs).In(loc)
}

// End returns the occurrence end as a time.Time in loc.
func (e CanonicalEvent) End(loc *time.Location) time.Time {
	return time.UnixMilli(e.EndMs).In(loc)
}

// Batch is the sorted, capped result of one successful fetch cycle.
type Batch struct {
	SourceID   string           `json:"calendarId"`
	SourceName string           `json:"calendarName"`
	URL        string           `json:"url"`
	Events     []CanonicalEvent `json:"events"`
	FetchedAt  time.Time        `json:"lastFetch"`
	CycleID    string           `json:"cycleId"`
}

// FetchFailure reports a failed cycle. Terminal is set on the report that
// exhausted the retry budget.
type FetchFailure struct {
	SourceID   string    `json:"calendarId"`
	SourceName string    `json:"calendarName"`
	Kind       string    `json:"kind"`
	Message    string    `json:"error"`
	At         time.Time `json:"at"`
	Terminal   bool      `json:"terminal"`
}
