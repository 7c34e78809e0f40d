// Package config provides configuration loading for backlogd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BACKLOGD_SERVER_PORT, BACKLOGD_BROKER_URL, ...)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the daemon. It is constructed once at
// process start and passed by pointer; nothing mutates it afterwards.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Broker   BrokerConfig   `koanf:"broker"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP intake server.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite record store.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// BrokerConfig configures the NATS connection shared by the dispatch consumer
// and the notification emitter.
type BrokerConfig struct {
	URL                string `koanf:"url"`
	JobSubject         string `koanf:"job_subject"`
	QueueGroup         string `koanf:"queue_group"`
	NotifySubject      string `koanf:"notify_subject"`
	PublishMaxRetries  int    `koanf:"publish_max_retries"`
	ReconnectAttempts  int    `koanf:"reconnect_attempts"`
}

// GatewayConfig configures the content generation gateway. Per-request
// generation options override these defaults.
type GatewayConfig struct {
	Provider          string   `koanf:"provider"` // openai or googleai
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	Temperature       float64  `koanf:"temperature"`
	MaxTokens         int      `koanf:"max_tokens"`
	TopP              float64  `koanf:"top_p"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	MaxRetries        int      `koanf:"max_retries"`
	RetryInterval     Duration `koanf:"retry_interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NewDefault returns a Config populated with defaults.
func NewDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "backlogd.db",
		},
		Broker: BrokerConfig{
			URL:               "nats://localhost:4222",
			JobSubject:        "backlogd.jobs",
			QueueGroup:        "backlogd-workers",
			NotifySubject:     "backlogd.notifications",
			PublishMaxRetries: 3,
			ReconnectAttempts: 5,
		},
		Gateway: GatewayConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Temperature:       0.75,
			MaxTokens:         1000,
			TopP:              1.0,
			RequestsPerSecond: 2,
			MaxRetries:        5,
			RetryInterval:     Duration(2 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.JobSubject == "" || c.Broker.NotifySubject == "" {
		return fmt.Errorf("broker.job_subject and broker.notify_subject are required")
	}
	if c.Broker.PublishMaxRetries < 0 {
		return fmt.Errorf("broker.publish_max_retries must be >= 0")
	}
	if c.Gateway.Provider != "openai" && c.Gateway.Provider != "googleai" {
		return fmt.Errorf("gateway.provider must be 'openai' or 'googleai', got %q", c.Gateway.Provider)
	}
	if c.Gateway.Model == "" {
		return fmt.Errorf("gateway.model is required")
	}
	if c.Gateway.Temperature < 0 || c.Gateway.Temperature > 1 {
		return fmt.Errorf("gateway.temperature must be in [0, 1], got %v", c.Gateway.Temperature)
	}
	if c.Gateway.TopP < 0 || c.Gateway.TopP > 1 {
		return fmt.Errorf("gateway.top_p must be in [0, 1], got %v", c.Gateway.TopP)
	}
	if c.Gateway.MaxTokens <= 0 {
		return fmt.Errorf("gateway.max_tokens must be > 0, got %d", c.Gateway.MaxTokens)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
