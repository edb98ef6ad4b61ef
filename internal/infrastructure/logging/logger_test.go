package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/config"
)

func TestNew_Formats(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"json stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{"text stderr", config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
		{"empty config", config.LoggingConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if logger := New(tt.cfg, "1.0.0"); logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewWithWriter_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "info", Format: "json"}, "test")

	logger.With("component", "session").Info("connected", "broker", "tcp://localhost:1883")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}

	checks := map[string]string{
		"msg":       "connected",
		"service":   ServiceName,
		"version":   "test",
		"component": "session",
		"broker":    "tcp://localhost:1883",
	}
	for key, want := range checks {
		if entry[key] != want {
			t.Errorf("entry[%q] = %v, want %q", key, entry[key], want)
		}
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "warn", Format: "text"}, "test")

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn entry missing from output")
	}
}

func TestLogger_With(t *testing.T) {
	logger := Default()
	child := logger.With("component", "router")

	if child == nil {
		t.Fatal("expected non-nil child logger")
	}
	if child == logger {
		t.Error("expected child logger to be different from parent")
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("dropped") // must not panic
}
