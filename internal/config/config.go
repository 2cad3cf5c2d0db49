package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // HTTP read timeout (default: 30s)
	WriteTimeout time.Duration `yaml:"write_timeout"` // HTTP write timeout (default: 30s)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // HTTP idle timeout (default: 60s)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path          string        `yaml:"path"`           // SQLite database file
	CountersPath  string        `yaml:"counters_path"`  // bbolt file for hourly send counters
	FlushInterval time.Duration `yaml:"flush_interval"` // Counter persistence interval (default: 10s)
}

// GatewayConfig contains WhatsApp gateway client settings
type GatewayConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Instance     string        `yaml:"instance"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`       // Per-request timeout (default: 30s)
	MaxRetries   int           `yaml:"max_retries"`   // Retries on transient send failures (default: 2)
	RetryBackoff time.Duration `yaml:"retry_backoff"` // Wait between retries (default: 5s)
}

// DispatchConfig contains dispatch engine settings
type DispatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"` // Orchestrator reconcile interval (default: 5s)

	// Server-side bounds on the batch run endpoint. Client-requested
	// values are clamped into these regardless of the request body.
	DefaultBatchSize int           `yaml:"default_batch_size"` // Default: 5
	MaxBatchSize     int           `yaml:"max_batch_size"`     // Default: 50
	MinDelay         time.Duration `yaml:"min_delay"`          // Floor for requested delays (default: 1s)
	MaxDelay         time.Duration `yaml:"max_delay"`          // Ceiling for requested delays (default: 5m)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/zapdrip/zapdrip.db"
	}
	if c.Storage.CountersPath == "" {
		c.Storage.CountersPath = "/var/lib/zapdrip/counters.db"
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 10 * time.Second
	}

	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 30 * time.Second
	}
	if c.Gateway.MaxRetries == 0 {
		c.Gateway.MaxRetries = 2
	}
	if c.Gateway.RetryBackoff == 0 {
		c.Gateway.RetryBackoff = 5 * time.Second
	}

	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = 5 * time.Second
	}
	if c.Dispatch.DefaultBatchSize == 0 {
		c.Dispatch.DefaultBatchSize = 5
	}
	if c.Dispatch.MaxBatchSize == 0 {
		c.Dispatch.MaxBatchSize = 50
	}
	if c.Dispatch.MinDelay == 0 {
		c.Dispatch.MinDelay = time.Second
	}
	if c.Dispatch.MaxDelay == 0 {
		c.Dispatch.MaxDelay = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.Instance == "" {
		return fmt.Errorf("gateway.instance is required")
	}

	if c.Dispatch.MaxBatchSize < c.Dispatch.DefaultBatchSize {
		return fmt.Errorf("dispatch.max_batch_size must not be below dispatch.default_batch_size")
	}
	if c.Dispatch.MaxDelay < c.Dispatch.MinDelay {
		return fmt.Errorf("dispatch.max_delay must not be below dispatch.min_delay")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
