// Package config handles loading and validating the MQTT transport configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of file-level settings
//   - Default value handling
//
// Broker parameters (host, port, credentials, QoS, topic) are deliberately
// kept as raw values here; the transport package turns them into an
// immutable ConnectionConfig and reports every violation at once.
//
// Security Considerations:
//   - Broker passwords and the API JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
