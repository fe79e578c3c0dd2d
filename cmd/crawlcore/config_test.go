package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesPoolAndCrawlerSections(t *testing.T) {
	path := writeConfigFile(t, `
pool:
  min_concurrency: 1
  max_concurrency: 10
  desired_concurrency: 2
  max_tasks_per_minute: 120

crawler:
  max_request_retries: 5
  max_session_rotations: 3
  request_handler_timeout: 30s
  run_summary_interval: 1m

sessions:
  max_pool_size: 50

seed:
  urls:
    - https://example.com/
    - https://example.com/about
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.Pool.MinConcurrency != 1 || cfg.Pool.MaxConcurrency != 10 || cfg.Pool.DesiredConcurrency != 2 {
		t.Errorf("pool section = %+v, unexpected values", cfg.Pool)
	}
	if cfg.Crawler.MaxRequestRetries != 5 || cfg.Crawler.MaxSessionRotations != 3 {
		t.Errorf("crawler section = %+v, unexpected values", cfg.Crawler)
	}
	if cfg.Sessions.MaxPoolSize != 50 {
		t.Errorf("sessions.max_pool_size = %d, want 50", cfg.Sessions.MaxPoolSize)
	}
	if len(cfg.Seed.URLs) != 2 || cfg.Seed.URLs[0] != "https://example.com/" {
		t.Errorf("seed.urls = %v, unexpected", cfg.Seed.URLs)
	}

	timeout, err := cfg.requestHandlerTimeout()
	if err != nil || timeout != 30*time.Second {
		t.Errorf("requestHandlerTimeout() = %v, %v, want 30s, nil", timeout, err)
	}
	interval, err := cfg.runSummaryInterval()
	if err != nil || interval != time.Minute {
		t.Errorf("runSummaryInterval() = %v, %v, want 1m, nil", interval, err)
	}
}

func TestLoadConfigMissingFileReturnsError(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("loadConfig: expected error for missing file")
	}
}

func TestLoadConfigMalformedYAMLReturnsError(t *testing.T) {
	path := writeConfigFile(t, "pool: [this is not a mapping")
	if _, err := loadConfig(path); err == nil {
		t.Fatal("loadConfig: expected error for malformed YAML")
	}
}

func TestEmptyDurationFieldsDefaultToZero(t *testing.T) {
	cfg := &fileConfig{}
	timeout, err := cfg.requestHandlerTimeout()
	if err != nil || timeout != 0 {
		t.Errorf("requestHandlerTimeout() = %v, %v, want 0, nil", timeout, err)
	}
	interval, err := cfg.runSummaryInterval()
	if err != nil || interval != 0 {
		t.Errorf("runSummaryInterval() = %v, %v, want 0, nil", interval, err)
	}
}
