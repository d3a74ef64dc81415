// Package config loads and validates the exporter's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the exporter.
type Config struct {
	ClickHouse   ClickHouseConfig             `yaml:"clickhouse"`
	Export       ExportConfig                 `yaml:"export"`
	Destinations map[string]DestinationConfig `yaml:"destinations"`
	Slack        SlackConfig                  `yaml:"slack"`
}

// ClickHouseConfig describes the source cluster.
type ClickHouseConfig struct {
	URL            string `yaml:"url"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call client timeout.
func (c *ClickHouseConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExportConfig tunes the pipeline.
type ExportConfig struct {
	// QueueCapacityBytes bounds the record-batch queue. 0 sizes it from
	// system memory.
	QueueCapacityBytes int64 `yaml:"queue_capacity_bytes"`

	// MinSliceRows is the floor when slicing oversized batches.
	MinSliceRows int `yaml:"min_slice_rows"`

	// RecentRetentionDays is the recent table's retention lookback.
	RecentRetentionDays int `yaml:"recent_retention_days"`

	// MaxAttempts bounds retries per run.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoffSeconds is the base backoff between attempts, doubling
	// each retry.
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`

	// DataDir holds run state (SQLite database).
	DataDir string `yaml:"data_dir"`
}

// RecentRetention returns the recent table lookback as a duration.
func (e *ExportConfig) RecentRetention() time.Duration {
	return time.Duration(e.RecentRetentionDays) * 24 * time.Hour
}

// RetryBackoff returns the base retry backoff.
func (e *ExportConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffSeconds) * time.Second
}

// DestinationConfig describes one named destination.
type DestinationConfig struct {
	// Type selects the sink implementation (blob, postgres, mssql).
	Type string `yaml:"type"`

	// Settings are passed through to the sink factory.
	Settings map[string]any `yaml:"settings"`
}

// SlackConfig configures completion notifications.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// Load reads, defaults and validates a config file. A permissions warning
// (credentials readable by other users) is returned alongside the config.
func Load(path string) (*Config, string, error) {
	path = expandTilde(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, "", fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, checkFilePermissions(path), nil
}

func (c *Config) applyDefaults() {
	if c.ClickHouse.URL == "" {
		c.ClickHouse.URL = "http://localhost:8123"
	}
	if c.ClickHouse.TimeoutSeconds <= 0 {
		c.ClickHouse.TimeoutSeconds = 60
	}
	if c.Export.QueueCapacityBytes <= 0 {
		// Default to a tenth of system memory, capped at 1 GiB.
		mb := getAvailableMemoryMB() / 10
		if mb > 1024 {
			mb = 1024
		}
		if mb < 64 {
			mb = 64
		}
		c.Export.QueueCapacityBytes = mb * 1024 * 1024
	}
	if c.Export.MinSliceRows <= 0 {
		c.Export.MinSliceRows = 100
	}
	if c.Export.RecentRetentionDays <= 0 {
		c.Export.RecentRetentionDays = 7
	}
	if c.Export.MaxAttempts <= 0 {
		c.Export.MaxAttempts = 3
	}
	if c.Export.RetryBackoffSeconds <= 0 {
		c.Export.RetryBackoffSeconds = 5
	}
	if c.Export.DataDir == "" {
		c.Export.DataDir = "~/.chexport"
	}
	c.Export.DataDir = expandTilde(c.Export.DataDir)
}

// Validate checks the parts that cannot be defaulted.
func (c *Config) Validate() error {
	for name, dest := range c.Destinations {
		if dest.Type == "" {
			return fmt.Errorf("destination %q has no type", name)
		}
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack notifications enabled but webhook_url is empty")
	}
	return nil
}

// Destination looks up a named destination.
func (c *Config) Destination(name string) (*DestinationConfig, error) {
	dest, ok := c.Destinations[name]
	if !ok {
		names := make([]string, 0, len(c.Destinations))
		for n := range c.Destinations {
			names = append(names, n)
		}
		return nil, fmt.Errorf("unknown destination %q (configured: %v)", name, names)
	}
	return &dest, nil
}
