package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for transport operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidConfig marks a ConfigurationError.
	ErrInvalidConfig = errors.New("transport: invalid configuration")

	// ErrConnection marks a ConnectionError.
	ErrConnection = errors.New("transport: connection error")

	// ErrUnresolvedPlaceholder marks a ResolutionError.
	ErrUnresolvedPlaceholder = errors.New("transport: unresolved topic placeholder")

	// ErrQueueFull marks a QueueFullError.
	ErrQueueFull = errors.New("transport: queue full")

	// ErrClosed is returned by operations on a stopped transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("transport: not started")

	// ErrNotConnected is returned by health checks while no session is up.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAbandoned is reported for messages still queued when Stop gives up.
	ErrAbandoned = errors.New("transport: message abandoned at shutdown")

	// ErrSessionReset is reported for messages discarded by a clean-session reconnect.
	ErrSessionReset = errors.New("transport: message discarded by session reset")

	// ErrDropped is reported for messages evicted from a full offline buffer.
	ErrDropped = errors.New("transport: message dropped from offline buffer")

	// ErrPublishTimeout is reported when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("transport: publish acknowledgement timed out")

	// ErrPublishDisabled is returned by Publish on a subscribe-only transport.
	ErrPublishDisabled = errors.New("transport: publishing disabled in subscribe mode")

	// ErrDelivery marks an inbound message the host handler failed to accept.
	ErrDelivery = errors.New("transport: inbound delivery failed")
)

// ConfigurationError lists every problem found in connection parameters.
// It is returned once at construction and is never retried.
type ConfigurationError struct {
	Violations []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("transport: invalid configuration: %s", strings.Join(e.Violations, "; "))
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

// ConnectionError describes a broker connection that could not be
// (re)established within the retry budget.
type ConnectionError struct {
	Broker   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connection to %s failed after %d attempt(s): %v", e.Broker, e.Attempts, e.Err)
}

// Unwrap exposes both ErrConnection and the last underlying cause.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// ResolutionError reports a topic template that could not be resolved for
// one message. No partial topic is ever produced.
type ResolutionError struct {
	Template string

	// Missing lists placeholder names absent from the attributes.
	Missing []string

	// Invalid lists placeholder names whose value contains +, # or NUL.
	Invalid []string
}

func (e *ResolutionError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid value for "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("transport: cannot resolve topic %q: %s", e.Template, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrUnresolvedPlaceholder.
func (e *ResolutionError) Unwrap() error {
	return ErrUnresolvedPlaceholder
}

// QueueFullError is returned by Send when the pending queue stayed full for
// the whole enqueue timeout.
type QueueFullError struct {
	Capacity int
	Waited   time.Duration
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("transport: queue full (capacity %d, waited %v)", e.Capacity, e.Waited)
}

// Unwrap lets errors.Is match ErrQueueFull.
func (e *QueueFullError) Unwrap() error {
	return ErrQueueFull
}
