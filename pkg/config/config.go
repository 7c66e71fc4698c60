// Package config holds the signing engine's settings. Values come from an
// optional YAML file, then RESIGN_* environment variables, over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultJobTimeout        = 10 * time.Minute
	DefaultCompressionLevel  = 6
	DefaultMaxArchiveBytes   = 500 << 20
	DefaultMaxArchiveEntries = 100000
	DefaultWorkers           = 4
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultFallbackPath      = "zsign"
	DefaultFallbackTimeout   = 5 * time.Minute
)

// Config is the engine configuration.
type Config struct {
	ScratchDir        string        `yaml:"scratch_dir"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	CompressionLevel  int           `yaml:"compression_level"`
	MaxArchiveBytes   int64         `yaml:"max_archive_bytes"`
	MaxArchiveEntries int           `yaml:"max_archive_entries"`
	Workers           int           `yaml:"workers"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	Fallback          Fallback      `yaml:"fallback"`
}

// Fallback configures the external signing tool.
type Fallback struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ScratchDir:        os.TempDir(),
		JobTimeout:        DefaultJobTimeout,
		CompressionLevel:  DefaultCompressionLevel,
		MaxArchiveBytes:   DefaultMaxArchiveBytes,
		MaxArchiveEntries: DefaultMaxArchiveEntries,
		Workers:           DefaultWorkers,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		Fallback: Fallback{
			Enabled: true,
			Path:    DefaultFallbackPath,
			Timeout: DefaultFallbackTimeout,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides fails on malformed values rather than ignoring them.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("RESIGN_SCRATCH_DIR"); v != "" {
		cfg.ScratchDir = v
	}
	if v := os.Getenv("RESIGN_JOB_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RESIGN_JOB_TIMEOUT %q: %w", v, err)
		}
		cfg.JobTimeout = d
	}
	if v := os.Getenv("RESIGN_COMPRESSION_LEVEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RESIGN_COMPRESSION_LEVEL %q: %w", v, err)
		}
		cfg.CompressionLevel = n
	}
	if v := os.Getenv("RESIGN_MAX_ARCHIVE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid RESIGN_MAX_ARCHIVE_BYTES %q: %w", v, err)
		}
		cfg.MaxArchiveBytes = n
	}
	if v := os.Getenv("RESIGN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RESIGN_WORKERS %q: %w", v, err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("RESIGN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RESIGN_FALLBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RESIGN_FALLBACK %q: %w", v, err)
		}
		cfg.Fallback.Enabled = b
	}
	if v := os.Getenv("RESIGN_FALLBACK_PATH"); v != "" {
		cfg.Fallback.Path = v
	}
	return nil
}

// Validate checks ranges. It does not touch the filesystem.
func (c Config) Validate() error {
	if c.ScratchDir == "" {
		return errors.New("scratch_dir must be set")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %s", c.JobTimeout)
	}
	if c.CompressionLevel < -1 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression_level must be between -1 and 9, got %d", c.CompressionLevel)
	}
	if c.MaxArchiveBytes < 0 {
		return fmt.Errorf("max_archive_bytes must not be negative, got %d", c.MaxArchiveBytes)
	}
	if c.MaxArchiveEntries < 0 {
		return fmt.Errorf("max_archive_entries must not be negative, got %d", c.MaxArchiveEntries)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Fallback.Enabled {
		if c.Fallback.Path == "" {
			return errors.New("fallback.path must be set when the fallback is enabled")
		}
		if c.Fallback.Timeout <= 0 {
			return fmt.Errorf("fallback.timeout must be positive, got %s", c.Fallback.Timeout)
		}
	}
	return nil
}
