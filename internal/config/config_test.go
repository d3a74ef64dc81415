package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
clickhouse:
  url: http://ch.internal:8123
  database: analytics
destinations:
  lake:
    type: blob
    settings:
      bucket_url: s3://exports
`)
	cfg, warning, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if warning != "" {
		t.Errorf("unexpected permissions warning: %s", warning)
	}

	if cfg.ClickHouse.TimeoutSeconds != 60 {
		t.Errorf("timeout default = %d", cfg.ClickHouse.TimeoutSeconds)
	}
	if cfg.Export.QueueCapacityBytes < 64*1024*1024 || cfg.Export.QueueCapacityBytes > 1024*1024*1024 {
		t.Errorf("queue capacity default out of bounds: %d", cfg.Export.QueueCapacityBytes)
	}
	if cfg.Export.MinSliceRows != 100 {
		t.Errorf("min slice rows default = %d", cfg.Export.MinSliceRows)
	}
	if cfg.Export.RecentRetentionDays != 7 {
		t.Errorf("recent retention default = %d", cfg.Export.RecentRetentionDays)
	}
	if cfg.Export.MaxAttempts != 3 {
		t.Errorf("max attempts default = %d", cfg.Export.MaxAttempts)
	}
	if cfg.Export.DataDir == "" || cfg.Export.DataDir[0] == '~' {
		t.Errorf("data dir not expanded: %q", cfg.Export.DataDir)
	}
}

func TestLoadRejectsTypelessDestination(t *testing.T) {
	path := writeConfig(t, `
destinations:
  broken:
    settings:
      table: t
`)
	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for a destination without a type")
	}
}

func TestLoadRejectsSlackWithoutWebhook(t *testing.T) {
	path := writeConfig(t, `
slack:
  enabled: true
`)
	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for slack without webhook_url")
	}
}

func TestDestinationLookup(t *testing.T) {
	path := writeConfig(t, `
destinations:
  lake:
    type: blob
    settings:
      bucket_url: s3://exports
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	dest, err := cfg.Destination("lake")
	if err != nil {
		t.Fatal(err)
	}
	if dest.Type != "blob" || dest.Settings["bucket_url"] != "s3://exports" {
		t.Errorf("destination = %+v", dest)
	}

	if _, err := cfg.Destination("nope"); err == nil {
		t.Error("expected an error for an unknown destination")
	}
}

func TestExplicitValuesSurviveDefaults(t *testing.T) {
	path := writeConfig(t, `
export:
  queue_capacity_bytes: 12345678
  max_attempts: 5
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Export.QueueCapacityBytes != 12345678 {
		t.Errorf("queue capacity = %d", cfg.Export.QueueCapacityBytes)
	}
	if cfg.Export.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Export.MaxAttempts)
	}
}
