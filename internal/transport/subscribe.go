package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/mqtt"
)

// Handler receives inbound messages. It runs on the connection's delivery
// goroutine, one message at a time; a slow handler delays later messages.
// A returned error or panic is reported and never affects the session.
type Handler func(ctx context.Context, msg InboundMessage) error

// SubscriptionRouter subscribes on every connect and forwards inbound
// messages to a Handler, suppressing QoS>0 redeliveries within a session.
type SubscriptionRouter struct {
	session *SessionManager
	filter  string
	qos     byte
	topic   *TopicTemplate
	handler Handler
	codec   *Codec
	dedup   *dedupWindow
	stats   *counters
	logger  Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscriptionRouter registers a router on s. It subscribes to the
// filter of the configured topic at the configured QoS.
func NewSubscriptionRouter(s *SessionManager, handler Handler, codec *Codec, logger Logger) *SubscriptionRouter {
	if logger == nil {
		logger = nopLogger{}
	}
	cfg := s.Config()
	ctx, cancel := context.WithCancel(context.Background())
	r := &SubscriptionRouter{
		session: s,
		filter:  cfg.Topic().Filter(),
		qos:     cfg.QoS(),
		topic:   cfg.Topic(),
		handler: handler,
		codec:   codec,
		dedup:   newDedupWindow(cfg.DedupSize(), cfg.DedupTTL()),
		stats:   s.stats,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.OnConnect(r.subscribe)
	return r
}

// Filter returns the subscription filter.
func (r *SubscriptionRouter) Filter() string {
	return r.filter
}

func (r *SubscriptionRouter) subscribe(_ context.Context, conn Conn, info ConnectInfo) error {
	sessionID := info.SessionID
	if err := conn.Subscribe(r.filter, r.qos, func(m mqtt.Message) {
		r.deliver(sessionID, m)
	}); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.filter, err)
	}
	r.logger.Debug("subscribed", "filter", r.filter, "qos", r.qos, "session_present", info.SessionPresent)
	return nil
}

func (r *SubscriptionRouter) deliver(sessionID string, m mqtt.Message) {
	if m.QoS > 0 && r.dedup.observe(sessionID, m.MessageID, m.Duplicate) {
		r.stats.duplicates.Add(1)
		r.logger.Debug("suppressed duplicate delivery", "topic", m.Topic, "message_id", m.MessageID)
		return
	}

	payload, err := r.codec.Decompress(m.Payload)
	if err != nil {
		r.failed(m.Topic, err)
		return
	}

	msg := InboundMessage{
		Topic:      m.Topic,
		Payload:    payload,
		QoS:        m.QoS,
		MessageID:  m.MessageID,
		Duplicate:  m.Duplicate,
		Retained:   m.Retained,
		SessionID:  sessionID,
		ReceivedAt: time.Now(),
	}
	if attrs, ok := r.topic.Extract(m.Topic); ok && len(attrs) > 0 {
		msg.Attributes = attrs
	}

	if err := r.call(msg); err != nil {
		r.failed(m.Topic, err)
		return
	}
	r.stats.received.Add(1)
}

func (r *SubscriptionRouter) call(msg InboundMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(r.ctx, msg)
}

func (r *SubscriptionRouter) failed(topic string, err error) {
	r.stats.deliveryFailures.Add(1)
	r.logger.Warn("inbound delivery failed", "topic", topic, "error", err)
	r.session.emit(Event{
		Kind:  EventDeliveryFailed,
		Topic: topic,
		Err:   fmt.Errorf("%w: %w", ErrDelivery, err),
	})
}

// Close cancels the context passed to the handler.
func (r *SubscriptionRouter) Close() {
	r.cancel()
}
