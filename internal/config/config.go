// Package config loads and validates the TOML configuration consumed by the
// demo binaries. The stream transport itself takes no configuration; these
// knobs drive the connection plumbing around it.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration structure.
type Config struct {
	Logging *LoggingConfig `toml:"logging,omitempty"`
	Metrics *MetricsConfig `toml:"metrics,omitempty"`
	Stream  *StreamConfig  `toml:"stream,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level,omitempty"`
	// Target is "stderr", "stdout", or a file path.
	Target string `toml:"target,omitempty"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled   *bool  `toml:"enabled,omitempty"`
	Namespace string `toml:"namespace,omitempty"`
}

// StreamConfig holds per-stream defaults for the connection plumbing.
type StreamConfig struct {
	// InitialWindowSize is the per-stream receive window setting. It is
	// loaded and validated; h2echo reports it at startup but sends no
	// SETTINGS frame advertising it.
	InitialWindowSize *uint32 `toml:"initial_window_size,omitempty"`
}

const (
	// DefaultInitialWindowSize is the RFC 7540 Section 6.9.2 default.
	DefaultInitialWindowSize uint32 = 65535

	// maxWindowSize is the RFC 7540 Section 6.9.1 limit of 2^31-1.
	maxWindowSize uint32 = 1<<31 - 1
)

// LoadConfig reads, parses, defaults, and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Target == "" {
		cfg.Logging.Target = "stderr"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "linkerd"
	}
	if cfg.Stream == nil {
		cfg.Stream = &StreamConfig{}
	}
	if cfg.Stream.InitialWindowSize == nil {
		win := DefaultInitialWindowSize
		cfg.Stream.InitialWindowSize = &win
	}
}

func validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if *cfg.Stream.InitialWindowSize > maxWindowSize {
		return fmt.Errorf("stream.initial_window_size %d exceeds maximum %d", *cfg.Stream.InitialWindowSize, maxWindowSize)
	}
	if *cfg.Stream.InitialWindowSize == 0 {
		return fmt.Errorf("stream.initial_window_size must be positive")
	}
	return nil
}
