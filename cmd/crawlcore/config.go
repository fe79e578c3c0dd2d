package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of `crawlcore run --config`, loaded
// once at process start and never re-read: every resolved value is
// threaded explicitly into the components it configures rather than
// read again from a global.
type fileConfig struct {
	Pool struct {
		MinConcurrency     int     `yaml:"min_concurrency"`
		MaxConcurrency     int     `yaml:"max_concurrency"`
		DesiredConcurrency int     `yaml:"desired_concurrency"`
		MaxTasksPerMinute  float64 `yaml:"max_tasks_per_minute"`
	} `yaml:"pool"`

	Crawler struct {
		MaxRequestRetries     int    `yaml:"max_request_retries"`
		MaxSessionRotations   int    `yaml:"max_session_rotations"`
		RequestHandlerTimeout string `yaml:"request_handler_timeout"`
		RunSummaryInterval    string `yaml:"run_summary_interval"`
	} `yaml:"crawler"`

	Sessions struct {
		MaxPoolSize int `yaml:"max_pool_size"`
	} `yaml:"sessions"`

	Seed struct {
		URLs    []string `yaml:"urls"`
		Sitemap string   `yaml:"sitemap"`
	} `yaml:"seed"`

	Quiet bool `yaml:"quiet"`
}

// loadConfig reads and validates a YAML config file.
func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *fileConfig) requestHandlerTimeout() (time.Duration, error) {
	if c.Crawler.RequestHandlerTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Crawler.RequestHandlerTimeout)
}

func (c *fileConfig) runSummaryInterval() (time.Duration, error) {
	if c.Crawler.RunSummaryInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Crawler.RunSummaryInterval)
}
