// Package config handles loading, parsing, and validating the YAML
// configuration file, with environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flex3r/dankchat-realtime/internal/logger"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "config.yaml"

// Config is the full application configuration.
type Config struct {
	Auth     AuthConfig      `yaml:"auth"`
	Channels []ChannelConfig `yaml:"channels"`
	Chat     ChatConfig      `yaml:"chat"`
	Log      LogConfig       `yaml:"log"`
}

// AuthConfig holds the Twitch credentials. All fields can be supplied via
// environment instead of the file; an empty token means anonymous read-only
// operation.
type AuthConfig struct {
	AuthToken string `yaml:"auth_token"`
	UserID    string `yaml:"user_id"`
	Username  string `yaml:"username"`
	ClientID  string `yaml:"client_id"`
}

// ChannelConfig identifies one channel to watch.
type ChannelConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ChatConfig controls the IRC presence leg.
type ChatConfig struct {
	// Enabled defaults to true when unset.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	FileLevel string `yaml:"file_level"`
	Dir       string `yaml:"dir"`
}

// Load reads a Config from a YAML file, then overlays environment
// variables for the credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overlays environment variables for the credentials so
// they never have to live in the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWITCH_AUTH_TOKEN"); v != "" {
		cfg.Auth.AuthToken = v
	}
	if v := os.Getenv("TWITCH_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
	if v := os.Getenv("TWITCH_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("TWITCH_CLIENT_ID"); v != "" {
		cfg.Auth.ClientID = v
	}
}

// Validate checks the configuration for common errors.
func Validate(cfg *Config) error {
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("at least one channel must be configured")
	}

	seen := make(map[string]bool, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if ch.ID == "" || ch.Name == "" {
			return fmt.Errorf("channel at index %d needs both id and name", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channel %s listed twice", ch.ID)
		}
		seen[ch.ID] = true
	}

	if cfg.Auth.AuthToken != "" && cfg.Auth.UserID == "" {
		return fmt.Errorf("auth_token set but user_id missing (use TWITCH_USER_ID)")
	}
	return nil
}

// ChatEnabled reports whether the IRC presence leg should run. Defaults to
// true.
func (c *Config) ChatEnabled() bool {
	if c.Chat.Enabled == nil {
		return true
	}
	return *c.Chat.Enabled
}

// LoggerConfig converts the log settings into a logger.Config. Coloring is
// decided by the caller, which knows whether stdout is a terminal.
func (c *Config) LoggerConfig(colored bool) logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Colored = colored
	cfg.LogDir = c.Log.Dir
	if c.Log.Level != "" {
		cfg.Level = logger.ParseLevel(c.Log.Level)
	}
	if c.Log.FileLevel != "" {
		cfg.FileLevel = logger.ParseLevel(c.Log.FileLevel)
	}
	return cfg
}
