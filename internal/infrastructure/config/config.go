package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the MQTT transport daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// MQTTConfig contains the transport's broker connection and delivery settings.
//
// These are raw user inputs. They are turned into an immutable, validated
// transport.ConnectionConfig before any connection is attempted.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	Session   MQTTSessionConfig   `yaml:"session"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Queue     MQTTQueueConfig     `yaml:"queue"`
	Will      MQTTWillConfig      `yaml:"will"`
	Payload   MQTTPayloadConfig   `yaml:"payload"`
	Dedup     MQTTDedupConfig     `yaml:"dedup"`

	// Topic is the publish topic or subscription filter. It may contain
	// placeholders ($name or ${name}) resolved from event attributes.
	Topic string `yaml:"topic"`

	// Mode selects the data direction: "publish", "subscribe" or "both".
	Mode string `yaml:"mode"`

	QoS    int  `yaml:"qos"`
	Retain bool `yaml:"retain"`

	// ShutdownGrace is how long Stop waits for in-flight messages (seconds).
	ShutdownGrace int `yaml:"shutdown_grace"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	TLS                bool   `yaml:"tls"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ClientID           string `yaml:"client_id"`
	ConnectTimeout     int    `yaml:"connect_timeout"`
	PublishTimeout     int    `yaml:"publish_timeout"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTSessionConfig contains MQTT session semantics.
type MQTTSessionConfig struct {
	CleanSession  bool `yaml:"clean_session"`
	KeepAlive     int  `yaml:"keep_alive"`
	AutoReconnect bool `yaml:"auto_reconnect"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`

	// MaxAttempts bounds reconnect attempts when auto_reconnect is false.
	MaxAttempts int `yaml:"max_attempts"`
}

// MQTTQueueConfig sizes the outbound buffers.
type MQTTQueueConfig struct {
	// Capacity is the publish-side buffer used while disconnected (drop oldest on overflow).
	Capacity int `yaml:"capacity"`

	// MaxPending bounds messages accepted by the session but not yet acknowledged.
	MaxPending int `yaml:"max_pending"`

	// MaxInflight bounds QoS>0 messages sent but not yet acknowledged.
	MaxInflight int `yaml:"max_inflight"`

	// EnqueueTimeoutMS is how long Send blocks on a full session queue.
	EnqueueTimeoutMS int `yaml:"enqueue_timeout_ms"`
}

// MQTTWillConfig contains the optional Last Will and Testament.
type MQTTWillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     int    `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// MQTTPayloadConfig selects payload encoding.
type MQTTPayloadConfig struct {
	Format      string `yaml:"format"`      // raw, json
	Compression string `yaml:"compression"` // none, gzip, zstd
}

// MQTTDedupConfig sizes the inbound duplicate suppression window.
type MQTTDedupConfig struct {
	Size int `yaml:"size"`
	TTL  int `yaml:"ttl"`
}

// StoreConfig contains the SQLite outbound message store settings.
type StoreConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// APIAuthConfig contains bearer token settings for the API.
// An empty secret disables authentication.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebSocketConfig contains WebSocket stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for transport statistics.
type InfluxDBConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	Org            string `yaml:"org"`
	Bucket         string `yaml:"bucket"`
	BatchSize      int    `yaml:"batch_size"`
	FlushInterval  int    `yaml:"flush_interval"`
	ReportInterval int    `yaml:"report_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// IngestConfig controls how the daemon receives host events.
type IngestConfig struct {
	// Stdin reads newline-delimited payloads from standard input.
	Stdin bool `yaml:"stdin"`

	// Attributes are static attributes merged into every ingested event.
	Attributes map[string]string `yaml:"attributes"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTT_TRANSPORT_SECTION_KEY
// For example: MQTT_TRANSPORT_MQTT_HOST, MQTT_TRANSPORT_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:           "localhost",
				Port:           1883,
				ConnectTimeout: 10,
				PublishTimeout: 5,
			},
			Session: MQTTSessionConfig{
				CleanSession:  true,
				KeepAlive:     60,
				AutoReconnect: true,
			},
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  3,
			},
			Queue: MQTTQueueConfig{
				Capacity:         1000,
				MaxPending:       1000,
				MaxInflight:      32,
				EnqueueTimeoutMS: 2000,
			},
			Payload: MQTTPayloadConfig{
				Format:      "raw",
				Compression: "none",
			},
			Dedup: MQTTDedupConfig{
				Size: 1024,
				TTL:  300,
			},
			Mode:          "publish",
			QoS:           1,
			ShutdownGrace: 5,
		},
		Store: StoreConfig{
			Path:        "./data/transport.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:      100,
			FlushInterval:  10,
			ReportInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTT_TRANSPORT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("MQTT_TRANSPORT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MQTT_TRANSPORT_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MQTT_TRANSPORT_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("MQTT_TRANSPORT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQTT_TRANSPORT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("MQTT_TRANSPORT_MQTT_TOPIC"); v != "" {
		cfg.MQTT.Topic = v
	}

	// Store
	if v := os.Getenv("MQTT_TRANSPORT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	// InfluxDB
	if v := os.Getenv("MQTT_TRANSPORT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API bearer secret
	if v := os.Getenv("MQTT_TRANSPORT_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}
}

// Validate checks the file-level configuration for errors.
//
// Broker connection parameters are validated separately, and exhaustively,
// when the transport builds its ConnectionConfig.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.MQTT.Mode) {
	case "publish", "subscribe", "both":
	default:
		errs = append(errs, "mqtt.mode must be publish, subscribe, or both")
	}

	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, "store.path is required when store is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		const minJWTSecretLength = 32
		if s := c.API.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLength {
			errs = append(errs, "api.auth.jwt_secret must be at least 32 characters")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetReportInterval returns the statistics report interval as a Duration.
func (c *Config) GetReportInterval() time.Duration {
	return time.Duration(c.InfluxDB.ReportInterval) * time.Second
}
