package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Fleet Relay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Fleet     FleetConfig     `yaml:"fleet"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Stream    StreamConfig    `yaml:"stream"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig identifies this relay instance.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// FleetConfig contains the coordination engine settings: liveness, redelivery,
// and the per-device resource caps.
type FleetConfig struct {
	// StaleTimeout is how long a device may stay silent before the reaper removes it.
	// Default: 60s
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// ReaperInterval is how often the reaper sweeps. Must be smaller than StaleTimeout.
	// Default: 30s
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	// RedeliveryTimeout is how long a delivered command may stay unacknowledged
	// before it is queued again.
	// Default: 15s
	RedeliveryTimeout time.Duration `yaml:"redelivery_timeout"`

	// MaxRedeliveries is how many times a command is re-queued before it expires.
	// Zero expires a command on its first delivery timeout.
	// Default: 3
	MaxRedeliveries int `yaml:"max_redeliveries"`

	// QueueCapacity caps pending (queued + delivered) commands per device.
	// Default: 100
	QueueCapacity int `yaml:"queue_capacity"`

	// HistoryCapacity is the telemetry ring size per device.
	// Default: 100
	HistoryCapacity int `yaml:"history_capacity"`

	// MaxAttachmentBytes caps a device attachment (e.g. last camera frame).
	// Default: 1 MiB
	MaxAttachmentBytes int `yaml:"max_attachment_bytes"`

	// MaxTelemetryBytes caps a single telemetry payload.
	// Default: 64 KiB
	MaxTelemetryBytes int `yaml:"max_telemetry_bytes"`

	// PollBatchSize is the maximum number of commands returned per poll.
	// Default: 10
	PollBatchSize int `yaml:"poll_batch_size"`

	// PollHint is the polling interval suggested to devices on registration.
	// Default: 2s
	PollHint time.Duration `yaml:"poll_hint"`

	Registration RegistrationConfig `yaml:"registration"`
}

// RegistrationConfig decides which device operations may create an unknown device.
type RegistrationConfig struct {
	AutoRegisterOnPoll      bool `yaml:"auto_register_on_poll"`
	AutoRegisterOnTelemetry bool `yaml:"auto_register_on_telemetry"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains observer WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
}

// StreamConfig contains the line-based TCP device transport settings.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// IdleTimeout closes a connection that sends nothing for this long.
	// Default: 30s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxLineBytes caps one inbound message line.
	// Default: 256 KiB
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Broker        MQTTBrokerConfig    `yaml:"broker"`
	Auth          MQTTAuthConfig      `yaml:"auth"`
	QoS           int                 `yaml:"qos"`
	Reconnect     MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix   string              `yaml:"topic_prefix"`
	PayloadFormat string              `yaml:"payload_format"` // json or cbor
	MirrorEvents  bool                `yaml:"mirror_events"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for the telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETRELAY_SECTION_KEY
// For example: FLEETRELAY_API_PORT, FLEETRELAY_FLEET_STALE_TIMEOUT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOptional behaves like Load, but falls back to defaults (plus environment
// overrides) when the file does not exist.
func LoadOptional(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	cfg = Default()
	if envErr := applyEnvOverrides(cfg); envErr != nil {
		return nil, false, fmt.Errorf("applying environment overrides: %w", envErr)
	}
	if vErr := cfg.Validate(); vErr != nil {
		return nil, false, fmt.Errorf("validating config: %w", vErr)
	}
	return cfg, false, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "relay-001",
			Name: "Fleet Relay",
		},
		Fleet: FleetConfig{
			StaleTimeout:       60 * time.Second,
			ReaperInterval:     30 * time.Second,
			RedeliveryTimeout:  15 * time.Second,
			MaxRedeliveries:    3,
			QueueCapacity:      100,
			HistoryCapacity:    100,
			MaxAttachmentBytes: 1 << 20,
			MaxTelemetryBytes:  64 << 10,
			PollBatchSize:      10,
			PollHint:           2 * time.Second,
			Registration: RegistrationConfig{
				AutoRegisterOnPoll:      true,
				AutoRegisterOnTelemetry: false,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     256,
		},
		Stream: StreamConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         9000,
			IdleTimeout:  30 * time.Second,
			MaxLineBytes: 256 << 10,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetrelay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix:   "fleetrelay",
			PayloadFormat: "json",
			MirrorEvents:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/fleetrelay.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     14,
				Compress:   true,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEETRELAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	setDuration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}

	// Fleet
	setDuration("FLEETRELAY_FLEET_STALE_TIMEOUT", &cfg.Fleet.StaleTimeout)
	setDuration("FLEETRELAY_FLEET_REAPER_INTERVAL", &cfg.Fleet.ReaperInterval)
	setDuration("FLEETRELAY_FLEET_REDELIVERY_TIMEOUT", &cfg.Fleet.RedeliveryTimeout)
	setInt("FLEETRELAY_FLEET_QUEUE_CAPACITY", &cfg.Fleet.QueueCapacity)

	// API
	if v := os.Getenv("FLEETRELAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	setInt("FLEETRELAY_API_PORT", &cfg.API.Port)

	// Stream
	setInt("FLEETRELAY_STREAM_PORT", &cfg.Stream.Port)

	// MQTT
	if v := os.Getenv("FLEETRELAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEETRELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEETRELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("FLEETRELAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("FLEETRELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Fleet timing: the reaper must tick more often than devices go stale,
	// otherwise a device can sit past its deadline for a whole interval.
	f := c.Fleet
	if f.StaleTimeout <= 0 {
		errs = append(errs, "fleet.stale_timeout must be positive")
	}
	if f.ReaperInterval <= 0 {
		errs = append(errs, "fleet.reaper_interval must be positive")
	} else if f.StaleTimeout > 0 && f.ReaperInterval >= f.StaleTimeout {
		errs = append(errs, "fleet.reaper_interval must be smaller than fleet.stale_timeout")
	}
	if f.RedeliveryTimeout <= 0 {
		errs = append(errs, "fleet.redelivery_timeout must be positive")
	}
	if f.MaxRedeliveries < 0 {
		errs = append(errs, "fleet.max_redeliveries cannot be negative")
	}
	if f.QueueCapacity < 1 {
		errs = append(errs, "fleet.queue_capacity must be at least 1")
	}
	if f.HistoryCapacity < 1 {
		errs = append(errs, "fleet.history_capacity must be at least 1")
	}
	if f.MaxAttachmentBytes < 1 {
		errs = append(errs, "fleet.max_attachment_bytes must be at least 1")
	}
	if f.MaxTelemetryBytes < 1 {
		errs = append(errs, "fleet.max_telemetry_bytes must be at least 1")
	}
	if f.PollBatchSize < 1 {
		errs = append(errs, "fleet.poll_batch_size must be at least 1")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Stream.Enabled {
		if c.Stream.Port < 1 || c.Stream.Port > 65535 {
			errs = append(errs, "stream.port must be between 1 and 65535")
		}
		if c.Stream.IdleTimeout <= 0 {
			errs = append(errs, "stream.idle_timeout must be positive")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required")
		}
		switch c.MQTT.PayloadFormat {
		case "json", "cbor":
		default:
			errs = append(errs, "mqtt.payload_format must be json or cbor")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadTimeout returns the read timeout as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout returns the write timeout as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout returns the keep-alive idle timeout as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}
