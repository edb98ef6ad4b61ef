package transport

import "time"

// OutboundMessage is one message on its way to the broker.
type OutboundMessage struct {
	// Seq is assigned by the SessionManager when the message is accepted
	// and increases monotonically per SessionManager.
	Seq        uint64    `json:"seq"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	QoS        byte      `json:"qos"`
	Retain     bool      `json:"retain"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	persisted bool
	slot      bool
}

// clone returns a copy safe to hand to listeners.
func (m *OutboundMessage) clone() *OutboundMessage {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	return &c
}

// InboundMessage is one message received from the broker.
type InboundMessage struct {
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	QoS       byte   `json:"qos"`
	MessageID uint16 `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
	Retained  bool   `json:"retained"`

	// SessionID identifies the session the message arrived in.
	SessionID string `json:"session_id"`

	// Attributes holds placeholder values extracted from Topic.
	Attributes map[string]string `json:"attributes,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}
