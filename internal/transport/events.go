package transport

import (
	"sync"
	"time"
)

// EventKind identifies what happened.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventConnectionLost
	EventReconnecting
	EventReconnectExhausted
	EventSessionReset
	EventMessageDropped
	EventMessageFailed
	EventResolutionFailed
	EventDeliveryFailed
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnectExhausted:
		return "reconnect_exhausted"
	case EventSessionReset:
		return "session_reset"
	case EventMessageDropped:
		return "message_dropped"
	case EventMessageFailed:
		return "message_failed"
	case EventResolutionFailed:
		return "resolution_failed"
	case EventDeliveryFailed:
		return "delivery_failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name in JSON.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a connection-state change or a per-message failure.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`

	// SessionPresent is the CONNACK flag (EventConnected).
	SessionPresent bool `json:"session_present,omitempty"`

	// Attempt and Delay describe the next reconnect (EventReconnecting).
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`

	// Count is the number of messages discarded (EventSessionReset).
	Count int `json:"count,omitempty"`

	// Message is the affected outbound message (dropped / failed).
	Message *OutboundMessage `json:"message,omitempty"`

	// Topic is the inbound topic (EventDeliveryFailed).
	Topic string `json:"topic,omitempty"`

	Err error `json:"-"`
}

// Error returns the event error text, or "".
func (e Event) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// eventBus fans events out to synchronous listeners.
//
// Listeners run on the goroutine that raised the event (often the session
// loop). They must return quickly and must not call back into the
// SessionManager.
type eventBus struct {
	mu        sync.RWMutex
	listeners []func(Event)
}

func (b *eventBus) add(fn func(Event)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// eventSink is a buffered channel that never blocks the sender.
// Overflow is counted, and sends after close are ignored.
type eventSink struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped func()
}

func newEventSink(size int, dropped func()) *eventSink {
	return &eventSink{ch: make(chan Event, size), dropped: dropped}
}

func (s *eventSink) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		if s.dropped != nil {
			s.dropped()
		}
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
