package config

import (
	"errors"
	"fmt"

	"github.com/jessevdk/go-flags"
)

// Options are the command-line and environment settings. Values given here
// override the config file.
type Options struct {
	ConfigPath string `long:"config" env:"CALFEED_CONFIG" default:"/etc/calfeed/config.yaml" description:"Path to config file"`
	Listen     string `long:"listen" env:"CALFEED_LISTEN" description:"HTTP listen address (overrides config if set)"`
	Once       bool   `long:"once" description:"Fetch every calendar once, print the batches as JSON and exit"`
	Debug      bool   `long:"debug" env:"CALFEED_DEBUG" description:"Enable debug logging"`
	RedisURL   string `long:"redis-url" env:"CALFEED_REDIS_URL" description:"Publish batches to this Redis server (overrides config if set)"`
}

// ErrHelp is returned by ParseOptions when --help was requested and the
// usage text has already been printed.
var ErrHelp = errors.New("help requested")

// ParseOptions parses args (without the program name).
func ParseOptions(args []string) (*Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("failed to parse options: %w", err)
	}
	return &opts, nil
}

// Apply copies command-line overrides onto cfg.
func (o *Options) Apply(cfg *Config) {
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	if o.RedisURL != "" {
		cfg.Redis.URL = o.RedisURL
	}
	if o.Debug {
		cfg.LogLevel = "DEBUG"
	}
}
