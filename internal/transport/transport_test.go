package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestTransport(t *testing.T, d *fakeDialer, mutate func(p *ConnectionParams), opts ...Option) *Transport {
	t.Helper()
	cfg := mustConfig(t, mutate)
	tr, err := New(cfg, append([]Option{WithDialer(d)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Stop(context.Background()) //nolint:errcheck // Test cleanup
	})
	return tr
}

func TestNew_SubscribeRequiresHandler(t *testing.T) {
	cfg := mustConfig(t, func(p *ConnectionParams) { p.Mode = "subscribe" })

	_, err := New(cfg, WithDialer(&fakeDialer{}))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestTransport_PublishDisabledInSubscribeMode(t *testing.T) {
	noop := func(context.Context, InboundMessage) error { return nil }
	tr := newTestTransport(t, &fakeDialer{autoAck: true}, func(p *ConnectionParams) { p.Mode = "subscribe" }, WithHandler(noop))

	if err := tr.Publish(context.Background(), []byte("x"), map[string]string{"id": "1"}); !errors.Is(err, ErrPublishDisabled) {
		t.Errorf("Publish() error = %v, want ErrPublishDisabled", err)
	}
	if err := tr.PublishEvent(context.Background(), map[string]int{"n": 1}, nil); !errors.Is(err, ErrPublishDisabled) {
		t.Errorf("PublishEvent() error = %v, want ErrPublishDisabled", err)
	}
}

func TestTransport_PublishAndEvents(t *testing.T) {
	d := &fakeDialer{autoAck: true}
	tr := newTestTransport(t, d, nil)

	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case ev := <-tr.Events():
		if ev.Kind != EventConnected {
			t.Fatalf("first event = %v, want %v", ev.Kind, EventConnected)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no Connected event")
	}

	if err := tr.Publish(context.Background(), []byte("21.5"), map[string]string{"id": "9"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, "published", func() bool { return tr.Stats().Published == 1 })
	if got := d.conn(0).message(0).topic; got != "sensors/9/temp" {
		t.Errorf("topic = %q, want sensors/9/temp", got)
	}
}

func TestTransport_StopClosesEvents(t *testing.T) {
	tr := newTestTransport(t, &fakeDialer{autoAck: true}, nil)
	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return tr.State() == StateConnected })

	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	var last Event
	for ev := range tr.Events() {
		last = ev
	}
	if last.Kind != EventClosed {
		t.Errorf("last event = %v, want %v", last.Kind, EventClosed)
	}
	if got := tr.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestTransport_StopDrainsOfflineBuffer(t *testing.T) {
	d := &fakeDialer{refuse: true}
	tr := newTestTransport(t, d, func(p *ConnectionParams) {
		p.MaxPending = 1
		p.EnqueueTimeout = 10 * time.Millisecond
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, v := range []string{"a", "b", "c"} {
		if err := tr.Publish(context.Background(), []byte(v), map[string]string{"id": "1"}); err != nil {
			t.Fatalf("Publish(%q) error = %v", v, err)
		}
	}
	if got := tr.Stats().Buffered; got != 3 {
		t.Fatalf("Stats().Buffered = %d, want 3", got)
	}

	// The session window holds one unacknowledged message, so b and c
	// stay in the offline buffer until a is acknowledged.
	d.setRefuse(false)
	waitFor(t, "first message in flight", func() bool {
		return d.connCount() == 1 && len(d.conn(0).payloads()) == 1
	})
	go func() {
		time.Sleep(50 * time.Millisecond)
		d.conn(0).ackAll()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := d.conn(0).payloads(); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("published = %v, want [a b c]", got)
	}
	for ev := range tr.Events() {
		if ev.Kind == EventMessageFailed {
			t.Errorf("unexpected %v: %v", ev.Kind, ev.Err)
		}
	}
	if got := tr.Stats().Abandoned; got != 0 {
		t.Errorf("Stats().Abandoned = %d, want 0", got)
	}
}

func TestTransport_HealthCheck(t *testing.T) {
	d := &fakeDialer{refuse: true}
	tr := newTestTransport(t, d, nil)

	if err := tr.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() before Start error = %v, want ErrNotConnected", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.setRefuse(false)
	waitFor(t, "connected", func() bool { return tr.State() == StateConnected })

	if err := tr.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestTransport_SlowEventConsumerIsCounted(t *testing.T) {
	d := &fakeDialer{refuse: true}
	tr := newTestTransport(t, d, nil, WithEventBuffer(1))

	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "events dropped", func() bool { return tr.Stats().EventsDropped > 0 })

	if got := tr.State(); got == StateClosed {
		t.Errorf("State() = %v, transport must keep running", got)
	}
}

func TestTransport_WithListener(t *testing.T) {
	rec := &recorder{}
	tr := newTestTransport(t, &fakeDialer{autoAck: true}, nil, WithListener(rec.add))

	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "listener saw Connected", func() bool { return rec.count(EventConnected) == 1 })
}

func TestTransport_ReceivesOwnMessagesInBothMode(t *testing.T) {
	got := make(chan InboundMessage, 1)
	handler := func(_ context.Context, m InboundMessage) error {
		got <- m
		return nil
	}
	d := &fakeDialer{autoAck: true}
	tr := newTestTransport(t, d, func(p *ConnectionParams) { p.Mode = "both" }, WithHandler(handler))
	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return tr.State() == StateConnected })

	if err := tr.Publish(context.Background(), []byte("loop"), map[string]string{"id": "3"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	c := d.conn(0)
	waitFor(t, "published", func() bool { return len(c.payloads()) == 1 })

	// The fake broker does not route; hand the publish back to the subscription.
	m := c.message(0)
	c.handler("sensors/+/temp")(mqttMessage(m))

	select {
	case msg := <-got:
		if string(msg.Payload) != "loop" || msg.Attributes["id"] != "3" {
			t.Errorf("received = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
}
