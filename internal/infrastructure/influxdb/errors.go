package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when reporting is off in config.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps the initial ping failure.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrClosed is returned by Ping after Close.
	ErrClosed = errors.New("influxdb: sink closed")
)
