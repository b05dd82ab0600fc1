// Package config loads the observatory YAML configuration with defaults
// applied before unmarshal.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Client  ClientConfig  `yaml:"client"`
	REST    RESTConfig    `yaml:"rest"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type GatewayConfig struct {
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`
	Password string   `yaml:"password"`
	Role     string   `yaml:"role"`
	Scopes   []string `yaml:"scopes"`

	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

type ClientConfig struct {
	Mode string `yaml:"mode"`
}

type RESTConfig struct {
	BaseURL string `yaml:"base_url"`
}

type MetricsConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	MaxRatePoints   int           `yaml:"max_rate_points"`
	MaxProcessedIDs int           `yaml:"max_processed_ids"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:               "ws://127.0.0.1:18789/ws",
			Role:              "ui",
			Scopes:            []string{"read", "chat"},
			ReconnectBase:     time.Second,
			ReconnectMax:      30 * time.Second,
			MaxAttempts:       8,
			RequestTimeout:    15 * time.Second,
			KeepaliveInterval: 30 * time.Second,
		},
		Client: ClientConfig{Mode: "cli"},
		REST:   RESTConfig{BaseURL: "http://127.0.0.1:18789"},
		Metrics: MetricsConfig{
			TickInterval:    2 * time.Second,
			MaxRatePoints:   512,
			MaxProcessedIDs: 4096,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return errors.New("config: gateway.url is required")
	}
	if c.Gateway.MaxAttempts < 1 {
		return errors.New("config: gateway.max_attempts must be at least 1")
	}
	return nil
}
