// ABOUTME: Configuration loading for the crewhub-admin CLI
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Output  OutputConfig  `toml:"output"`
}

type GatewayConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type OutputConfig struct {
	Color bool `toml:"color"`
}

// configPath returns the path to the admin config file.
// Priority: CREWHUB_ADMIN_CONFIG env var > XDG_CONFIG_HOME/crewhub/admin.toml > ~/.config/crewhub/admin.toml
func configPath() string {
	if envPath := os.Getenv("CREWHUB_ADMIN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "admin.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "crewhub", "admin.toml")
}

// loadConfig reads the TOML config, expanding environment variables. A
// missing file is not an error: CREWHUB_GATEWAY_URL and CREWHUB_GATEWAY_TOKEN
// can supply everything.
func loadConfig() (*Config, error) {
	cfg := &Config{Output: OutputConfig{Color: true}}

	data, err := os.ReadFile(configPath())
	if err == nil {
		expanded := expandEnvVars(string(data))
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Environment overrides
	if v := os.Getenv("CREWHUB_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CREWHUB_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required (or set CREWHUB_GATEWAY_URL)")
	}

	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws:// or wss:// scheme, got %q", u.Scheme)
	}

	return nil
}
