package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Resolution into per-source settings lives in sources.go.

const (
	defaultListen          = "127.0.0.1:8080"
	defaultTimezone        = "Local"
	defaultInstanceID      = "calfeed"
	defaultFetchInterval   = 60 * time.Second
	defaultMaximumEntries  = 10
	defaultMaximumDays     = 365
	defaultSymbol          = "calendar-alt"
	defaultSymbolClassName = "fas fa-"
	defaultRecurringSymbol = "repeat"
	defaultFullDaySymbol   = "clock"
)

// AuthConfig holds credentials sent to a feed server.
type AuthConfig struct {
	// Method is "basic" (default when user is set) or "bearer".
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	User   string `yaml:"user,omitempty" json:"user,omitempty"`
	// Pass is the password for basic auth and the token for bearer auth.
	Pass string `yaml:"pass,omitempty" json:"pass,omitempty"`
}

// CustomEvent maps a title keyword to a symbol.
type CustomEvent struct {
	Keyword string `yaml:"keyword" json:"keyword"`
	Symbol  string `yaml:"symbol" json:"symbol"`
}

// SourceOptions are the settings that may be given globally under
// `defaults` and overridden per calendar. Zero values mean "inherit".
type SourceOptions struct {
	FetchInterval       time.Duration     `yaml:"fetch_interval,omitempty" json:"fetch_interval,omitempty"`
	Refresh             string            `yaml:"refresh,omitempty" json:"refresh,omitempty"`
	RequestTimeout      time.Duration     `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
	MaximumEntries      int               `yaml:"maximum_entries,omitempty" json:"maximum_entries,omitempty"`
	MaximumNumberOfDays int               `yaml:"maximum_number_of_days,omitempty" json:"maximum_number_of_days,omitempty"`
	PastDaysCount       *int              `yaml:"past_days_count,omitempty" json:"past_days_count,omitempty"`
	SelfSignedCert      *bool             `yaml:"self_signed_cert,omitempty" json:"self_signed_cert,omitempty"`
	ExcludedEvents      []ExclusionFilter `yaml:"excluded_events,omitempty" json:"excluded_events,omitempty"`

	Symbol          SymbolList    `yaml:"symbol,omitempty" json:"symbol,omitempty"`
	DefaultSymbol   string        `yaml:"default_symbol,omitempty" json:"default_symbol,omitempty"`
	SymbolClassName string        `yaml:"symbol_class_name,omitempty" json:"symbol_class_name,omitempty"`
	RecurringSymbol SymbolList    `yaml:"recurring_symbol,omitempty" json:"recurring_symbol,omitempty"`
	FullDaySymbol   SymbolList    `yaml:"full_day_symbol,omitempty" json:"full_day_symbol,omitempty"`
	CustomEvents    []CustomEvent `yaml:"custom_events,omitempty" json:"custom_events,omitempty"`

	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// CalendarConfig describes a single ICS subscription source.
type CalendarConfig struct {
	// URL is the ICS subscription endpoint. webcal:// is accepted.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup, logging and the API.
	// When empty it is derived from the instance ID and list position.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`
	// Name is a human-friendly label. Falls back to the URL's file name.
	Name string      `yaml:"name,omitempty" json:"name,omitempty"`
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	SourceOptions `yaml:",inline"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RedisConfig enables the Redis pub/sub dispatcher when URL is set.
type RedisConfig struct {
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for day boundaries and window
	// computation (e.g. "Asia/Seoul"). "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// InstanceID prefixes generated source IDs ("<instance>_<index>").
	InstanceID string `yaml:"instance_id" json:"instance_id"`

	// Defaults apply to every calendar that does not override them.
	Defaults SourceOptions `yaml:"defaults" json:"defaults"`

	// Calendars is the list of subscribed ICS sources.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	past := 0
	return &Config{
		Listen:     defaultListen,
		Timezone:   defaultTimezone,
		LogLevel:   "INFO",
		InstanceID: defaultInstanceID,
		Defaults: SourceOptions{
			FetchInterval:       defaultFetchInterval,
			MaximumEntries:      defaultMaximumEntries,
			MaximumNumberOfDays: defaultMaximumDays,
			PastDaysCount:       &past,
			DefaultSymbol:       defaultSymbol,
			SymbolClassName:     defaultSymbolClassName,
			RecurringSymbol:     SymbolList{defaultRecurringSymbol},
			FullDaySymbol:       SymbolList{defaultFullDaySymbol},
		},
		Calendars: []CalendarConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.InstanceID == "" {
		c.InstanceID = defaultInstanceID
	}

	d := &c.Defaults
	if d.FetchInterval <= 0 {
		d.FetchInterval = defaultFetchInterval
	}
	if d.MaximumEntries <= 0 {
		d.MaximumEntries = defaultMaximumEntries
	}
	if d.MaximumNumberOfDays <= 0 {
		d.MaximumNumberOfDays = defaultMaximumDays
	}
	if d.PastDaysCount == nil || *d.PastDaysCount < 0 {
		past := 0
		d.PastDaysCount = &past
	}
	if d.DefaultSymbol == "" {
		d.DefaultSymbol = defaultSymbol
	}
	if d.SymbolClassName == "" {
		d.SymbolClassName = defaultSymbolClassName
	}
	// An explicit empty list disables recurring/full-day symbols; only a
	// missing key gets the default.
	if d.RecurringSymbol == nil {
		d.RecurringSymbol = SymbolList{defaultRecurringSymbol}
	}
	if d.FullDaySymbol == nil {
		d.FullDaySymbol = SymbolList{defaultFullDaySymbol}
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	return Parse(data)
}

// Parse unmarshals and normalizes a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
