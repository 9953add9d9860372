// Package config loads broker and client configuration from the environment
// and an optional YAML file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every tunable of the HITL system. Durations are expressed in
// seconds (or milliseconds where noted) to keep env values plain integers.
type Config struct {
	// Enabled gates the client library; when false, callers short-circuit
	// without contacting the broker at all.
	Enabled bool `koanf:"enabled"`

	// TimeoutSeconds is how long a request may stay pending before it
	// auto-expires.
	TimeoutSeconds int `koanf:"timeout"`

	// ServerURL is the base URL clients and the console use to reach the
	// broker.
	ServerURL string `koanf:"server_url"`

	// Addr is the broker's listen address. The default binds all
	// interfaces; narrow it (or front it with an authenticating proxy)
	// before any non-local deployment.
	Addr string `koanf:"addr"`

	// RetentionSeconds is how long terminal requests are kept before
	// eviction.
	RetentionSeconds int `koanf:"retention"`

	// SweepIntervalSeconds is the eviction sweeper cadence.
	SweepIntervalSeconds int `koanf:"sweep_interval"`

	// MaxPending caps the pending backlog. Zero means unbounded.
	MaxPending int `koanf:"max_pending"`

	// PollIntervalMillis is the client's response-poll cadence when the
	// broker doesn't support long-polling waits.
	PollIntervalMillis int `koanf:"poll_interval"`
}

// Load reads hitl.yaml if present, then HITL_-prefixed environment variables
// on top, then applies defaults for anything still unset.
func Load() (*Config, error) {
	k := koanf.New(".")

	// File config is optional; env vars override it.
	if err := k.Load(file.Provider("hitl.yaml"), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("HITL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "HITL_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"enabled":        true,
		"timeout":        300,
		"server_url":     "http://localhost:8765",
		"addr":           ":8765",
		"retention":      600,
		"sweep_interval": 30,
		"max_pending":    256,
		"poll_interval":  500,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Timeout returns the request TTL as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Retention returns the terminal retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// PollInterval returns the client poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}
