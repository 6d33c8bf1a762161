package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/urfave/cli/v2"
)

// Config is read from OMS_* environment variables; command-line flags
// override it
type Config struct {
	Backend     string        `env:"OMS_BACKEND"      envDefault:"memory"` // registered transport name
	URL         string        `env:"OMS_URL"`                              // backend connection URL
	Options     []string      `env:"OMS_OPTIONS"      envSeparator:","`    // backend options as key=value
	MetricsAddr string        `env:"OMS_METRICS_ADDR"`                     // serve /metrics and /health here when set
	SendTimeout time.Duration `env:"OMS_SEND_TIMEOUT" envDefault:"30s"`
	MaxInFlight int64         `env:"OMS_MAX_IN_FLIGHT" envDefault:"0"`
	Retries     int           `env:"OMS_RETRIES"      envDefault:"3"`
	Verbose     bool          `env:"OMS_VERBOSE"      envDefault:"false"`
}

// LoadConfig parses the environment
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags set on the command line
func (cfg Config) applyFlags(c *cli.Context) Config {
	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
	}
	if c.IsSet("url") {
		cfg.URL = c.String("url")
	}
	if c.IsSet("option") {
		cfg.Options = append(cfg.Options, c.StringSlice("option")...)
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("timeout") {
		cfg.SendTimeout = c.Duration("timeout")
	}
	if c.IsSet("max-in-flight") {
		cfg.MaxInFlight = c.Int64("max-in-flight")
	}
	if c.IsSet("retries") {
		cfg.Retries = c.Int("retries")
	}
	if c.IsSet("verbose") {
		cfg.Verbose = c.Bool("verbose")
	}
	return cfg
}

// parseKeyValues splits "k=v" pairs
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
