// Package config loads the runtime configuration file.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full runtime configuration.
type Config struct {
	// APIBaseURL is the remote API origin, e.g. "https://api.example.org".
	APIBaseURL string `yaml:"api_base_url"`

	// ShellURL is the origin serving the application shell assets.
	ShellURL string `yaml:"shell_url"`

	// PushURL is the websocket endpoint for server-initiated notifications.
	// Empty disables the push listener.
	PushURL string `yaml:"push_url,omitempty"`

	// ProbeURL is the connectivity health endpoint. Defaults to the API
	// base URL when empty.
	ProbeURL string `yaml:"probe_url,omitempty"`

	// DatabasePath locates the SQLite file backing cache and queue.
	DatabasePath string `yaml:"database_path"`

	// ListenAddr is the local address the interception proxy binds to.
	ListenAddr string `yaml:"listen_addr"`

	// Organization is the tenant identifier sent on every API call.
	Organization string `yaml:"organization,omitempty"`

	// Precache lists shell asset paths fetched at install time.
	Precache []string `yaml:"precache,omitempty"`

	// OfflinePage is the navigation fallback served when offline.
	OfflinePage string `yaml:"offline_page,omitempty"`

	Sync  SyncConfig  `yaml:"sync,omitempty"`
	Cache CacheConfig `yaml:"cache,omitempty"`
}

// SyncConfig tunes the drain loop.
type SyncConfig struct {
	// Interval is the periodic drain trigger. Zero disables it; the
	// connectivity-restored trigger still fires.
	Interval Duration `yaml:"interval,omitempty"`

	// RateLimit caps replays per second during a pass. Zero means no cap.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// Grace is how long a processing record may sit before the next pass
	// reclaims it.
	Grace Duration `yaml:"grace,omitempty"`
}

// CacheConfig tunes entry lifetimes.
type CacheConfig struct {
	APITTL    Duration `yaml:"api_ttl,omitempty"`
	StaticTTL Duration `yaml:"static_ttl,omitempty"`
}

// Default returns a configuration with local-development values.
func Default() *Config {
	return &Config{
		APIBaseURL:   "http://localhost:8080",
		ShellURL:     "http://localhost:5173",
		DatabasePath: "wampums-sync.db",
		ListenAddr:   "127.0.0.1:9000",
		OfflinePage:  "/offline.html",
		Sync: SyncConfig{
			Interval: Duration(5 * time.Minute),
			Grace:    Duration(2 * time.Minute),
		},
	}
}

// Load reads and parses a config file. Unknown fields are rejected so a
// typoed key fails loudly instead of silently using a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and fills derivable defaults.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if _, err := url.Parse(c.APIBaseURL); err != nil {
		return fmt.Errorf("api_base_url: %w", err)
	}
	if c.ShellURL == "" {
		return fmt.Errorf("shell_url is required")
	}
	if _, err := url.Parse(c.ShellURL); err != nil {
		return fmt.Errorf("shell_url: %w", err)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.ProbeURL == "" {
		c.ProbeURL = c.APIBaseURL
	}
	if c.OfflinePage == "" {
		c.OfflinePage = "/offline.html"
	}
	if c.Sync.RateLimit < 0 {
		return fmt.Errorf("sync.rate_limit must not be negative")
	}
	if c.Sync.Grace < 0 {
		return fmt.Errorf("sync.grace must not be negative")
	}
	return nil
}
