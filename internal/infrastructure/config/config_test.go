package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
mqtt:
  broker:
    host: "broker.local"
    port: 8883
    tls: true
    client_id: "transport-test"
  auth:
    username: "svc"
    password: "secret"
  session:
    clean_session: false
    keep_alive: 30
    auto_reconnect: true
  topic: "sensors/$id/temp"
  qos: 2
  retain: true
store:
  enabled: true
  path: "/tmp/transport.db"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Session.CleanSession {
		t.Error("MQTT.Session.CleanSession = true, want false")
	}
	if cfg.MQTT.QoS != 2 {
		t.Errorf("MQTT.QoS = %d, want 2", cfg.MQTT.QoS)
	}
	if cfg.MQTT.Topic != "sensors/$id/temp" {
		t.Errorf("MQTT.Topic = %q, want %q", cfg.MQTT.Topic, "sensors/$id/temp")
	}

	// Unset values keep their defaults
	if cfg.MQTT.Queue.Capacity != 1000 {
		t.Errorf("MQTT.Queue.Capacity = %d, want default 1000", cfg.MQTT.Queue.Capacity)
	}
	if cfg.MQTT.Mode != "publish" {
		t.Errorf("MQTT.Mode = %q, want default publish", cfg.MQTT.Mode)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
mqtt:
  mode: "sideways"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for unknown mqtt.mode, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(_ *Config) {},
			wantErr: false,
		},
		{
			name:    "subscribe mode",
			mutate:  func(c *Config) { c.MQTT.Mode = "subscribe" },
			wantErr: false,
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.MQTT.Mode = "" },
			wantErr: true,
		},
		{
			name: "store enabled without path",
			mutate: func(c *Config) {
				c.Store.Enabled = true
				c.Store.Path = ""
			},
			wantErr: true,
		},
		{
			name: "api port out of range",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "api port ignored when disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
			wantErr: false,
		},
		{
			name: "short jwt secret",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Auth.JWTSecret = "short"
			},
			wantErr: true,
		},
		{
			name: "valid jwt secret",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Auth.JWTSecret = validJWTSecret
			},
			wantErr: false,
		},
		{
			name: "influxdb enabled without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.Bucket = "metrics"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{ReportInterval: 15},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.GetReportInterval().Seconds(); got != 15 {
		t.Errorf("GetReportInterval() = %v, want 15", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("MQTT_TRANSPORT_MQTT_HOST", "mqtt.example.com")
	t.Setenv("MQTT_TRANSPORT_MQTT_PORT", "8883")
	t.Setenv("MQTT_TRANSPORT_MQTT_CLIENT_ID", "edge-01")
	t.Setenv("MQTT_TRANSPORT_MQTT_USERNAME", "testuser")
	t.Setenv("MQTT_TRANSPORT_MQTT_PASSWORD", "testpass")
	t.Setenv("MQTT_TRANSPORT_MQTT_TOPIC", "events/$kind")
	t.Setenv("MQTT_TRANSPORT_STORE_PATH", "/custom/path.db")
	t.Setenv("MQTT_TRANSPORT_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("MQTT_TRANSPORT_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Broker.ClientID != "edge-01" {
		t.Errorf("MQTT.Broker.ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, "edge-01")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.MQTT.Topic != "events/$kind" {
		t.Errorf("MQTT.Topic = %q, want %q", cfg.MQTT.Topic, "events/$kind")
	}
	if cfg.Store.Path != "/custom/path.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "/custom/path.db")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.API.Auth.JWTSecret != "jwt-secret" {
		t.Errorf("API.Auth.JWTSecret = %q, want %q", cfg.API.Auth.JWTSecret, "jwt-secret")
	}
}

func TestApplyEnvOverrides_InvalidPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("MQTT_TRANSPORT_MQTT_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if !cfg.MQTT.Session.CleanSession {
		t.Error("defaultConfig MQTT.Session.CleanSession = false, want true")
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("defaultConfig MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.Store.Path == "" {
		t.Error("defaultConfig should have non-empty Store.Path")
	}
}
