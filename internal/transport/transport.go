package transport

import (
	"context"
	"fmt"
	"sync"
)

const defaultEventBuffer = 256

// Transport is one MQTT transport instance: a SessionManager plus the
// publish and subscribe paths the configured mode asks for.
type Transport struct {
	cfg      *ConnectionConfig
	session  *SessionManager
	pipeline *PublishPipeline
	router   *SubscriptionRouter
	codec    *Codec
	stats    *counters
	sink     *eventSink
	logger   Logger

	stopOnce sync.Once
	stopErr  error
}

type options struct {
	handler     Handler
	store       MessageStore
	logger      Logger
	dialer      Dialer
	eventBuffer int
	listeners   []func(Event)
}

// Option configures a Transport.
type Option func(*options)

// WithHandler sets the inbound message handler. Required in subscribe mode.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithStore sets the persistent outbound store used with clean session off.
func WithStore(s MessageStore) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialer replaces the paho broker adaptor.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

// WithListener registers a synchronous event listener. It must not block
// or call back into the transport.
func WithListener(fn func(Event)) Option {
	return func(o *options) { o.listeners = append(o.listeners, fn) }
}

// New wires a transport for cfg. Nothing connects until Start.
func New(cfg *ConnectionConfig, opts ...Option) (*Transport, error) {
	o := options{eventBuffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	if cfg.Mode() == ModeSubscribe && o.handler == nil {
		return nil, fmt.Errorf("%w: subscribe mode requires a handler", ErrInvalidConfig)
	}

	codec, err := NewCodec(cfg.PayloadFormat(), cfg.Compression())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	stats := &counters{}
	t := &Transport{
		cfg:    cfg,
		codec:  codec,
		stats:  stats,
		logger: o.logger,
		sink:   newEventSink(o.eventBuffer, func() { stats.eventsDropped.Add(1) }),
	}

	t.session = newSessionManager(cfg, o.dialer, SessionOptions{Store: o.store, Logger: o.logger}, stats)
	t.session.AddListener(t.sink.send)
	for _, fn := range o.listeners {
		t.session.AddListener(fn)
	}

	if cfg.Mode().publishes() {
		t.pipeline = NewPublishPipeline(t.session, codec, o.logger)
	}
	if cfg.Mode().subscribes() && o.handler != nil {
		t.router = NewSubscriptionRouter(t.session, o.handler, codec, o.logger)
	}
	return t, nil
}

// Start begins connecting. See SessionManager.Start.
func (t *Transport) Start() error {
	return t.session.Start()
}

// Stop shuts the transport down. While connected, the offline buffer is
// first handed to the session until ctx is done. Messages still buffered
// or undelivered after that are reported on Events as abandoned before the
// channel is closed.
func (t *Transport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		if t.pipeline != nil {
			t.pipeline.Drain(ctx)
			t.pipeline.Close()
		}
		t.stopErr = t.session.Stop(ctx)
		if t.router != nil {
			t.router.Close()
		}
		t.codec.Close()
		t.sink.close()
	})
	return t.stopErr
}

// Publish sends payload to the topic resolved from attrs.
func (t *Transport) Publish(ctx context.Context, payload []byte, attrs map[string]string) error {
	if t.pipeline == nil {
		return ErrPublishDisabled
	}
	return t.pipeline.Publish(ctx, payload, attrs)
}

// PublishEvent serializes v with the configured payload format and sends it.
func (t *Transport) PublishEvent(ctx context.Context, v any, attrs map[string]string) error {
	if t.pipeline == nil {
		return ErrPublishDisabled
	}
	return t.pipeline.PublishEvent(ctx, v, attrs)
}

// State returns the session state.
func (t *Transport) State() State {
	return t.session.CurrentState()
}

// Events returns the event stream. Delivery never blocks the transport;
// events that do not fit are counted in Stats.EventsDropped. The channel
// is closed by Stop.
func (t *Transport) Events() <-chan Event {
	return t.sink.ch
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return t.session.Stats()
}

// Config returns the connection configuration.
func (t *Transport) Config() *ConnectionConfig {
	return t.cfg
}

// Session exposes the underlying SessionManager.
func (t *Transport) Session() *SessionManager {
	return t.session
}

// HealthCheck returns nil while connected.
func (t *Transport) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st := t.State(); st != StateConnected {
		return fmt.Errorf("%w: state %s", ErrNotConnected, st)
	}
	return nil
}
