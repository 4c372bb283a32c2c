package dumper

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pixeldump configuration.
type Config struct {
	DBPath        string `yaml:"db_path"`
	MetricsDBPath string `yaml:"metrics_db_path"`
	MarkerPath    string `yaml:"marker_path"`
	ColorMapPath  string `yaml:"color_map_path"`
	SeedsPath     string `yaml:"seeds_path"`
	CapturePath   string `yaml:"capture_path"`
	Listen        string `yaml:"listen"`
	LogLevel      string `yaml:"log_level"`

	Capture  CaptureConfig  `yaml:"capture"`
	Identity IdentityConfig `yaml:"identity"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// CaptureConfig controls the frame loop.
type CaptureConfig struct {
	FPS float64 `yaml:"fps"`
	// Threshold is the marker correlation threshold.
	Threshold float64 `yaml:"threshold"`
}

// IdentityConfig controls the title resolver.
type IdentityConfig struct {
	Threshold     float64       `yaml:"threshold"`
	ScanBudget    time.Duration `yaml:"scan_budget"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	WatchInterval time.Duration `yaml:"watch_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// HTTPConfig controls the admin API.
type HTTPConfig struct {
	Origins       []string `yaml:"origins"`
	MaxBody       int64    `yaml:"max_body"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
}

// MetricsConfig controls the metrics store.
type MetricsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/titles.db"
	}
	if c.MetricsDBPath == "" {
		c.MetricsDBPath = "data/metrics.db"
	}
	if c.MarkerPath == "" {
		c.MarkerPath = "assets/mark8.png"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:65131"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Capture.FPS <= 0 {
		c.Capture.FPS = 10
	}
	if c.Capture.Threshold <= 0 {
		c.Capture.Threshold = 0.999
	}
	if c.Identity.Threshold <= 0 {
		c.Identity.Threshold = 0.995
	}
	if c.Identity.ScanBudget <= 0 {
		c.Identity.ScanBudget = 5 * time.Millisecond
	}
	if c.Identity.WriteTimeout <= 0 {
		c.Identity.WriteTimeout = 2 * time.Second
	}
	if c.Identity.WatchInterval <= 0 {
		c.Identity.WatchInterval = 2 * time.Second
	}
	if c.Identity.RetryInterval <= 0 {
		c.Identity.RetryInterval = 30 * time.Second
	}
	if c.HTTP.MaxBody <= 0 {
		c.HTTP.MaxBody = 8 << 20
	}
	if c.Metrics.BufferSize <= 0 {
		c.Metrics.BufferSize = 100
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 5 * time.Second
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 7 * 24 * time.Hour
	}
}

// LoadConfigFile reads a YAML config file. Missing fields take their
// defaults when the config is passed to New.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("dumper: parse %s: %w", path, err)
	}
	return cfg, nil
}
