// Package config loads the optional YAML settings file. Command-line flags
// are applied on top by the caller.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/progress"
	"github.com/tanq16/haul/internal/utils"
)

const RandomUserAgent = "randomize"

type Config struct {
	ChunkSize      int
	Timeout        time.Duration
	IdleTimeout    time.Duration
	KATimeout      time.Duration
	UserAgent      string
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	Headers        map[string]string
	Retention      job.Retention
	BandwidthLimit int64
	Workers        int
	RetainTerminal time.Duration
	Listen         string
	LogFile        string

	// ProgressInterval bounds how often snapshots are pushed and
	// ThroughputWindow is the EWMA time constant behind the reported speed.
	ProgressInterval time.Duration
	ThroughputWindow time.Duration
}

// file mirrors the on-disk layout. Sizes accept humanized values such as
// "64KiB" or "2MB"; durations use Go syntax.
type file struct {
	ChunkSize        string            `yaml:"chunk_size"`
	Timeout          string            `yaml:"timeout"`
	IdleTimeout      string            `yaml:"idle_timeout"`
	KeepAliveTimeout string            `yaml:"keep_alive_timeout"`
	UserAgent        string            `yaml:"user_agent"`
	Proxy            string            `yaml:"proxy"`
	ProxyUsername    string            `yaml:"proxy_username"`
	ProxyPassword    string            `yaml:"proxy_password"`
	Headers          map[string]string `yaml:"headers"`
	Retention        string            `yaml:"retention"`
	Limit            string            `yaml:"limit"`
	Workers          int               `yaml:"workers"`
	RetainTerminal   string            `yaml:"retain_terminal"`
	Listen           string            `yaml:"listen"`
	LogFile          string            `yaml:"log_file"`
	ProgressInterval string            `yaml:"progress_interval"`
	ThroughputWindow string            `yaml:"throughput_window"`
}

func Default() Config {
	return Config{
		ChunkSize:      utils.DefaultChunkSize,
		Timeout:        utils.DefaultTimeout,
		IdleTimeout:    utils.DefaultIdleTimeout,
		KATimeout:      utils.DefaultKATimeout,
		UserAgent:      utils.ToolUserAgent,
		Headers:        map[string]string{},
		Retention:      job.RetainDelete,
		Workers:        1,
		RetainTerminal: engine.DefaultRetainTerminal,
		Listen:         "127.0.0.1:8080",

		ProgressInterval: progress.DefaultInterval,
		ThroughputWindow: progress.DefaultWindow,
	}
}

// Load returns the defaults overlaid with the file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.apply(f); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) apply(f file) error {
	var err error
	if f.ChunkSize != "" {
		size, err := ParseSize(f.ChunkSize)
		if err != nil {
			return fmt.Errorf("chunk_size: %w", err)
		}
		if size <= 0 {
			return fmt.Errorf("chunk_size: must be positive")
		}
		c.ChunkSize = int(size)
	}
	if c.Timeout, err = durationOr(f.Timeout, c.Timeout); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	if c.IdleTimeout, err = durationOr(f.IdleTimeout, c.IdleTimeout); err != nil {
		return fmt.Errorf("idle_timeout: %w", err)
	}
	if c.KATimeout, err = durationOr(f.KeepAliveTimeout, c.KATimeout); err != nil {
		return fmt.Errorf("keep_alive_timeout: %w", err)
	}
	if c.RetainTerminal, err = durationOr(f.RetainTerminal, c.RetainTerminal); err != nil {
		return fmt.Errorf("retain_terminal: %w", err)
	}
	if c.ProgressInterval, err = durationOr(f.ProgressInterval, c.ProgressInterval); err != nil {
		return fmt.Errorf("progress_interval: %w", err)
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval: must be positive")
	}
	if c.ThroughputWindow, err = durationOr(f.ThroughputWindow, c.ThroughputWindow); err != nil {
		return fmt.Errorf("throughput_window: %w", err)
	}
	if c.ThroughputWindow <= 0 {
		return fmt.Errorf("throughput_window: must be positive")
	}
	if f.UserAgent != "" {
		c.UserAgent = f.UserAgent
	}
	if f.Proxy != "" {
		c.ProxyURL = f.Proxy
	}
	if f.ProxyUsername != "" {
		c.ProxyUsername = f.ProxyUsername
	}
	if f.ProxyPassword != "" {
		c.ProxyPassword = f.ProxyPassword
	}
	for k, v := range f.Headers {
		c.Headers[k] = v
	}
	if f.Retention != "" {
		if c.Retention, err = job.ParseRetention(f.Retention); err != nil {
			return err
		}
	}
	if f.Limit != "" {
		if c.BandwidthLimit, err = ParseSize(f.Limit); err != nil {
			return fmt.Errorf("limit: %w", err)
		}
	}
	if f.Workers < 0 {
		return fmt.Errorf("workers: must not be negative")
	}
	if f.Workers > 0 {
		c.Workers = f.Workers
	}
	if f.Listen != "" {
		c.Listen = f.Listen
	}
	if f.LogFile != "" {
		c.LogFile = f.LogFile
	}
	return nil
}

// ParseSize reads a byte count such as "65536", "64KiB" or "1.5MB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func durationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func (c Config) HTTPClientConfig() utils.HTTPClientConfig {
	ua := c.UserAgent
	if ua == RandomUserAgent {
		ua = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		Timeout:       c.Timeout,
		KATimeout:     c.KATimeout,
		IdleTimeout:   c.IdleTimeout,
		ProxyURL:      c.ProxyURL,
		ProxyUsername: c.ProxyUsername,
		ProxyPassword: c.ProxyPassword,
		UserAgent:     ua,
		Headers:       c.Headers,
	}
}

func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		ChunkSize:      c.ChunkSize,
		Retention:      c.Retention,
		RetainTerminal: c.RetainTerminal,
		HTTP:           c.HTTPClientConfig(),
		BandwidthLimit: c.BandwidthLimit,

		ProgressInterval: c.ProgressInterval,
		ThroughputWindow: c.ThroughputWindow,
	}
}
