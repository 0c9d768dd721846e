// Loads the CLI configuration file.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maruel/pagedb/internal/models"
)

// Config holds CLI settings. Flags given on the command line take precedence.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// PageSize is used when a command creates a dataset. Existing datasets
	// keep the page size recorded in their metadata.json.
	PageSize int64 `yaml:"page_size"`

	// MaxOpenPages bounds open page file handles. 0 means unbounded.
	MaxOpenPages int `yaml:"max_open_pages"`

	// StrictIndex fails on a torn index.bin instead of skipping the partial entry.
	StrictIndex bool `yaml:"strict_index"`

	// ExportRate throttles export in records per second. 0 means unlimited.
	ExportRate float64 `yaml:"export_rate"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		PageSize: models.DefaultPageSize,
	}
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := (&models.Metadata{PageSize: c.PageSize}).Validate(); err != nil {
		return fmt.Errorf("page_size: %w", err)
	}
	if c.MaxOpenPages < 0 {
		return errors.New("max_open_pages must be non-negative")
	}
	if c.ExportRate < 0 {
		return errors.New("export_rate must be non-negative")
	}
	return nil
}

// Level returns the slog level for LogLevel. Call Validate first.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

// parseLevel parses a log level name.
func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %q must be one of debug, info, warn, error", s)
	}
	return l, nil
}
