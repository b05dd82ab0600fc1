package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observatory.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:18789/ws" {
		t.Errorf("url = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.MaxAttempts != 8 || cfg.Gateway.ReconnectMax != 30*time.Second {
		t.Errorf("gateway defaults = %+v", cfg.Gateway)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: wss://gw.example.com/ws
  token: secret
  max_attempts: 3
  reconnect_base: 500ms
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "wss://gw.example.com/ws" || cfg.Gateway.Token != "secret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.MaxAttempts != 3 || cfg.Gateway.ReconnectBase != 500*time.Millisecond {
		t.Errorf("gateway overrides = %+v", cfg.Gateway)
	}
	// Untouched sections keep their defaults.
	if cfg.Gateway.KeepaliveInterval != 30*time.Second {
		t.Errorf("keepalive = %v, want default", cfg.Gateway.KeepaliveInterval)
	}
	if cfg.Metrics.MaxRatePoints != 512 {
		t.Errorf("metrics = %+v, want defaults", cfg.Metrics)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "gateway: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Load accepted malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(*Config) {}, false},
		{"empty url", func(c *Config) { c.Gateway.URL = "" }, true},
		{"zero attempts", func(c *Config) { c.Gateway.MaxAttempts = 0 }, true},
		{"negative attempts", func(c *Config) { c.Gateway.MaxAttempts = -1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadValidatesFileContent(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: ""
`)
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a config with no gateway url")
	}
}
