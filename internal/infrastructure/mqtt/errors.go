package mqtt

import "errors"

// Errors for broker connection operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a closed connection.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish cannot be handed to the client.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty or malformed topic or filter.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
