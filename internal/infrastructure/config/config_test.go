package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-relay"
fleet:
  stale_timeout: 90s
  reaper_interval: 20s
  redelivery_timeout: 5s
  max_redeliveries: 2
  queue_capacity: 25
  history_capacity: 50
  registration:
    auto_register_on_poll: false
    auto_register_on_telemetry: true
api:
  host: "127.0.0.1"
  port: 8081
stream:
  port: 9100
  idle_timeout: 45s
mqtt:
  enabled: true
  topic_prefix: "drones"
  payload_format: "cbor"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-relay" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-relay")
	}
	if cfg.Fleet.StaleTimeout != 90*time.Second {
		t.Errorf("Fleet.StaleTimeout = %v, want 90s", cfg.Fleet.StaleTimeout)
	}
	if cfg.Fleet.ReaperInterval != 20*time.Second {
		t.Errorf("Fleet.ReaperInterval = %v, want 20s", cfg.Fleet.ReaperInterval)
	}
	if cfg.Fleet.MaxRedeliveries != 2 {
		t.Errorf("Fleet.MaxRedeliveries = %d, want 2", cfg.Fleet.MaxRedeliveries)
	}
	if cfg.Fleet.QueueCapacity != 25 {
		t.Errorf("Fleet.QueueCapacity = %d, want 25", cfg.Fleet.QueueCapacity)
	}
	if cfg.Fleet.Registration.AutoRegisterOnPoll {
		t.Error("Fleet.Registration.AutoRegisterOnPoll = true, want false")
	}
	if !cfg.Fleet.Registration.AutoRegisterOnTelemetry {
		t.Error("Fleet.Registration.AutoRegisterOnTelemetry = false, want true")
	}
	if cfg.Stream.IdleTimeout != 45*time.Second {
		t.Errorf("Stream.IdleTimeout = %v, want 45s", cfg.Stream.IdleTimeout)
	}
	if cfg.MQTT.PayloadFormat != "cbor" {
		t.Errorf("MQTT.PayloadFormat = %q, want cbor", cfg.MQTT.PayloadFormat)
	}

	// Untouched values keep their defaults.
	if cfg.Fleet.MaxAttachmentBytes != 1<<20 {
		t.Errorf("Fleet.MaxAttachmentBytes = %d, want default %d", cfg.Fleet.MaxAttachmentBytes, 1<<20)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want default 1883", cfg.MQTT.Broker.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load() error = %v, want fs.ErrNotExist", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestLoadOptional(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, found, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("LoadOptional() error = %v", err)
		}
		if found {
			t.Error("LoadOptional() found = true, want false")
		}
		if cfg.Fleet.StaleTimeout != 60*time.Second {
			t.Errorf("Fleet.StaleTimeout = %v, want 60s", cfg.Fleet.StaleTimeout)
		}
	})

	t.Run("broken file is still an error", func(t *testing.T) {
		path := writeConfig(t, "invalid: [yaml: content")
		if _, _, err := LoadOptional(path); err == nil {
			t.Error("LoadOptional() expected parse error, got nil")
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name: "reaper interval not below stale timeout",
			mutate: func(c *Config) {
				c.Fleet.StaleTimeout = 30 * time.Second
				c.Fleet.ReaperInterval = 30 * time.Second
			},
			wantErr: "reaper_interval must be smaller",
		},
		{
			name:    "zero redelivery timeout",
			mutate:  func(c *Config) { c.Fleet.RedeliveryTimeout = 0 },
			wantErr: "redelivery_timeout",
		},
		{
			name:    "negative redeliveries",
			mutate:  func(c *Config) { c.Fleet.MaxRedeliveries = -1 },
			wantErr: "max_redeliveries",
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.Fleet.QueueCapacity = 0 },
			wantErr: "queue_capacity",
		},
		{
			name:    "zero history capacity",
			mutate:  func(c *Config) { c.Fleet.HistoryCapacity = 0 },
			wantErr: "history_capacity",
		},
		{
			name:    "invalid API port",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name: "disabled API ignores port",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
		{
			name: "invalid MQTT QoS when enabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: "mqtt.qos",
		},
		{
			name: "unknown payload format",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.PayloadFormat = "xml"
			},
			wantErr: "payload_format",
		},
		{
			name: "influx without URL",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
			},
			wantErr: "influxdb.url",
		},
		{
			name: "file logging without path",
			mutate: func(c *Config) {
				c.Logging.Output = "file"
				c.Logging.File.Path = ""
			},
			wantErr: "logging.file.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestAPITimeoutConfig_Durations(t *testing.T) {
	timeouts := APITimeoutConfig{
		Read:  30,
		Write: 45,
		Idle:  60,
	}

	if got := timeouts.ReadTimeout().Seconds(); got != 30 {
		t.Errorf("ReadTimeout() = %v, want 30", got)
	}
	if got := timeouts.WriteTimeout().Seconds(); got != 45 {
		t.Errorf("WriteTimeout() = %v, want 45", got)
	}
	if got := timeouts.IdleTimeout().Seconds(); got != 60 {
		t.Errorf("IdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()

	t.Setenv("FLEETRELAY_FLEET_STALE_TIMEOUT", "2m")
	t.Setenv("FLEETRELAY_FLEET_QUEUE_CAPACITY", "7")
	t.Setenv("FLEETRELAY_API_HOST", "192.168.1.1")
	t.Setenv("FLEETRELAY_API_PORT", "9090")
	t.Setenv("FLEETRELAY_MQTT_HOST", "mqtt.example.com")
	t.Setenv("FLEETRELAY_MQTT_USERNAME", "testuser")
	t.Setenv("FLEETRELAY_MQTT_PASSWORD", "testpass")
	t.Setenv("FLEETRELAY_INFLUXDB_TOKEN", "secret-token")

	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	if cfg.Fleet.StaleTimeout != 2*time.Minute {
		t.Errorf("Fleet.StaleTimeout = %v, want 2m", cfg.Fleet.StaleTimeout)
	}
	if cfg.Fleet.QueueCapacity != 7 {
		t.Errorf("Fleet.QueueCapacity = %d, want 7", cfg.Fleet.QueueCapacity)
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	cfg := Default()

	t.Setenv("FLEETRELAY_FLEET_STALE_TIMEOUT", "soon")
	t.Setenv("FLEETRELAY_API_PORT", "eighty")

	err := applyEnvOverrides(cfg)
	if err == nil {
		t.Fatal("applyEnvOverrides() expected error for unparsable values")
	}
	if !strings.Contains(err.Error(), "FLEETRELAY_FLEET_STALE_TIMEOUT") ||
		!strings.Contains(err.Error(), "FLEETRELAY_API_PORT") {
		t.Errorf("error = %v, want both variable names reported", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Fleet.StaleTimeout != 60*time.Second {
		t.Errorf("Fleet.StaleTimeout = %v, want 60s", cfg.Fleet.StaleTimeout)
	}
	if cfg.Fleet.ReaperInterval != 30*time.Second {
		t.Errorf("Fleet.ReaperInterval = %v, want 30s", cfg.Fleet.ReaperInterval)
	}
	if cfg.Fleet.RedeliveryTimeout != 15*time.Second {
		t.Errorf("Fleet.RedeliveryTimeout = %v, want 15s", cfg.Fleet.RedeliveryTimeout)
	}
	if cfg.Fleet.MaxRedeliveries != 3 {
		t.Errorf("Fleet.MaxRedeliveries = %d, want 3", cfg.Fleet.MaxRedeliveries)
	}
	if cfg.Fleet.QueueCapacity != 100 || cfg.Fleet.HistoryCapacity != 100 {
		t.Errorf("queue/history capacity = %d/%d, want 100/100", cfg.Fleet.QueueCapacity, cfg.Fleet.HistoryCapacity)
	}
	if !cfg.Fleet.Registration.AutoRegisterOnPoll {
		t.Error("poll should auto-register by default")
	}
	if cfg.Stream.IdleTimeout != 30*time.Second {
		t.Errorf("Stream.IdleTimeout = %v, want 30s", cfg.Stream.IdleTimeout)
	}
}
