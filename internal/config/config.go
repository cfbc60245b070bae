// ABOUTME: Configuration loading and parsing for crewhub-connectd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"gopkg.in/yaml.v3"
)

// Config represents the complete crewhub-connectd configuration
type Config struct {
	Store       StoreConfig        `yaml:"store"`
	Health      HealthConfig       `yaml:"health"`
	Sessions    SessionsConfig     `yaml:"sessions"`
	Connections []ConnectionConfig `yaml:"connections"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// StoreConfig holds the connection store configuration
type StoreConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig holds health monitor timing configuration
type HealthConfig struct {
	Interval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IntervalRaw string `yaml:"interval"`
}

// SessionsConfig holds session feed timing configuration
type SessionsConfig struct {
	FeedInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	FeedIntervalRaw string `yaml:"feed_interval"`
}

// ConnectionConfig describes a connection registered at startup. Entries
// declared here are merged into the store before the daemon connects.
type ConnectionConfig struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Config      map[string]any `yaml:"config"`
	AutoConnect bool           `yaml:"auto_connect"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default timing values applied when the config file leaves them unset.
const (
	DefaultHealthInterval   = 30 * time.Second
	DefaultSessionsInterval = 5 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	seen := make(map[string]bool, len(c.Connections))
	for i, cc := range c.Connections {
		if cc.ID == "" {
			return fmt.Errorf("connections[%d]: id is required", i)
		}
		if seen[cc.ID] {
			return fmt.Errorf("connections[%d]: duplicate id %q", i, cc.ID)
		}
		seen[cc.ID] = true

		if _, err := connection.ParseType(cc.Type); err != nil {
			return fmt.Errorf("connections[%d] (%s): %w", i, cc.ID, err)
		}
	}

	return nil
}

// Records converts the configured connection entries into store records.
// Names default to the connection id when unset.
func (c *Config) Records() ([]connection.Record, error) {
	records := make([]connection.Record, 0, len(c.Connections))
	for _, cc := range c.Connections {
		typ, err := connection.ParseType(cc.Type)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", cc.ID, err)
		}

		name := cc.Name
		if name == "" {
			name = cc.ID
		}

		cfg := cc.Config
		if cfg == nil {
			cfg = map[string]any{}
		}

		records = append(records, connection.Record{
			ID:          cc.ID,
			Name:        name,
			Type:        typ,
			Config:      cfg,
			AutoConnect: cc.AutoConnect,
		})
	}
	return records, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Health.IntervalRaw != "" {
		cfg.Health.Interval, err = time.ParseDuration(cfg.Health.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing health.interval %q: %w", cfg.Health.IntervalRaw, err)
		}
	}

	if cfg.Sessions.FeedIntervalRaw != "" {
		cfg.Sessions.FeedInterval, err = time.ParseDuration(cfg.Sessions.FeedIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.feed_interval %q: %w", cfg.Sessions.FeedIntervalRaw, err)
		}
	}

	return nil
}

// applyDefaults fills unset timing values with their defaults
func applyDefaults(cfg *Config) {
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = DefaultHealthInterval
	}
	if cfg.Sessions.FeedInterval == 0 {
		cfg.Sessions.FeedInterval = DefaultSessionsInterval
	}
}
