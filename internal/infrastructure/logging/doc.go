// Package logging provides structured logging for the MQTT transport.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler, level and default fields.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connected to broker", "broker", url)
//	logger.Error("publish failed", "error", err)
//
// # Security
//
// Never log broker passwords, JWT secrets or InfluxDB tokens.
// ConnectionConfig.String() is safe to log; it redacts the password.
package logging
