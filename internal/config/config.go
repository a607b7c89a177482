// Package config loads engine configuration from environment variables
// and an optional YAML config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	// Storage
	DataDir     string // root for the fsdir backend and sqlite database
	Backend     string // "fsdir", "sqlite", "postgres", or "memory"
	DatabaseURL string // postgres only

	// Logging
	LogLevel  string
	LogFormat string

	// Behavior
	SnapshotLimit    int
	DebounceInterval time.Duration
	DefaultBranch    string
}

// Load reads configuration with viper: defaults, then an optional config
// file, then SHELLVAULT_-prefixed environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "shellvault"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SHELLVAULT")

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("backend", "fsdir")
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("snapshot_limit", 10)
	v.SetDefault("debounce_interval", "500ms")
	v.SetDefault("default_branch", "main")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		DataDir:          v.GetString("data_dir"),
		Backend:          v.GetString("backend"),
		DatabaseURL:      v.GetString("database_url"),
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
		SnapshotLimit:    v.GetInt("snapshot_limit"),
		DebounceInterval: v.GetDuration("debounce_interval"),
		DefaultBranch:    v.GetString("default_branch"),
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Backend {
	case "fsdir", "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	if c.SnapshotLimit < 1 {
		return fmt.Errorf("snapshot_limit must be positive, got %d", c.SnapshotLimit)
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("debounce_interval must be positive, got %s", c.DebounceInterval)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shellvault"
	}
	return filepath.Join(home, ".local", "share", "shellvault")
}
