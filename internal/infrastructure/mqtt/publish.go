package mqtt

import (
	"fmt"
)

// MaxPayloadSize keeps payload, the longest topic and the packet id within
// the MQTT 3.1.1 remaining-length limit.
const MaxPayloadSize = 268435455 - (2 + 65535) - 2

// Publish hands a message to the client and returns its completion token.
//
// The call does not wait for the broker. For QoS 0 the token completes once
// the packet is written; for QoS 1 and 2 it completes on PUBACK/PUBCOMP.
//
// Parameters:
//   - topic: Concrete topic name (no wildcards)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message
//   - payload: The message payload
//
// Returns:
//   - Token: Completion handle
//   - error: Validation failure or ErrNotConnected
func (c *Conn) Publish(topic string, qos byte, retained bool, payload []byte) (Token, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), MaxPayloadSize)
	}
	if !c.IsOpen() {
		return nil, ErrNotConnected
	}

	return c.client.Publish(topic, qos, retained, payload), nil
}
