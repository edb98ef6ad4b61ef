package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/mqtt"
)

// =============================================================================
// Fake broker connection
// =============================================================================

var errRefused = errors.New("connection refused")

type fakeToken struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFakeToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Error() error {
	return t.err
}

type publishedMsg struct {
	topic   string
	qos     byte
	retain  bool
	payload string
	token   *fakeToken
}

type fakeConn struct {
	mu        sync.Mutex
	open      bool
	autoAck   bool
	published []publishedMsg
	subs      map[string]mqtt.MessageHandler
	lost      func(error)
	closed    bool
}

func (c *fakeConn) Publish(topic string, qos byte, retained bool, payload []byte) (mqtt.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, mqtt.ErrNotConnected
	}
	tok := newFakeToken()
	if qos == 0 || c.autoAck {
		tok.complete(nil)
	}
	c.published = append(c.published, publishedMsg{
		topic: topic, qos: qos, retain: retained, payload: string(payload), token: tok,
	})
	return tok, nil
}

func (c *fakeConn) Subscribe(filter string, _ byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]mqtt.MessageHandler)
	}
	c.subs[filter] = handler
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close(time.Duration) {
	c.mu.Lock()
	c.open = false
	c.closed = true
	c.mu.Unlock()
}

// ackAll completes every outstanding token and acknowledges later
// publishes immediately.
func (c *fakeConn) ackAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAck = true
	for _, m := range c.published {
		m.token.complete(nil)
	}
}

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	c.mu.Lock()
	c.open = false
	lost := c.lost
	c.mu.Unlock()
	if lost != nil {
		lost(errors.New("EOF"))
	}
}

func (c *fakeConn) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.published))
	for i, p := range c.published {
		out[i] = p.payload
	}
	return out
}

func (c *fakeConn) message(i int) publishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[i]
}

func (c *fakeConn) handler(filter string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[filter]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu             sync.Mutex
	refuse         bool
	sessionPresent bool
	autoAck        bool
	conns          []*fakeConn
	opts           []mqtt.Options
}

func (d *fakeDialer) Dial(_ context.Context, o mqtt.Options) (Conn, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = append(d.opts, o)
	if d.refuse {
		return nil, false, errRefused
	}
	c := &fakeConn{open: true, autoAck: d.autoAck, lost: o.OnConnectionLost}
	d.conns = append(d.conns, c)
	return c, d.sessionPresent, nil
}

func (d *fakeDialer) setRefuse(v bool) {
	d.mu.Lock()
	d.refuse = v
	d.mu.Unlock()
}

func (d *fakeDialer) refusing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refuse
}

func (d *fakeDialer) setAutoAck(v bool) {
	d.mu.Lock()
	d.autoAck = v
	d.mu.Unlock()
}

func (d *fakeDialer) setSessionPresent(v bool) {
	d.mu.Lock()
	d.sessionPresent = v
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opts)
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// =============================================================================
// Event recorder and helpers
// =============================================================================

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	return len(r.of(kind))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testParams returns fast-timing parameters for unit tests.
func testParams() ConnectionParams {
	p := DefaultParams()
	p.ClientID = "test-client"
	p.Topic = "sensors/$id/temp"
	p.KeepAlive = 0
	p.ReconnectInitialDelay = 10 * time.Millisecond
	p.ReconnectMaxDelay = 40 * time.Millisecond
	p.EnqueueTimeout = 50 * time.Millisecond
	p.ShutdownGrace = time.Second
	p.PublishTimeout = 2 * time.Second
	p.ConnectTimeout = time.Second
	return p
}

func mustConfig(t *testing.T, mutate func(p *ConnectionParams)) *ConnectionConfig {
	t.Helper()
	p := testParams()
	if mutate != nil {
		mutate(&p)
	}
	cfg, err := NewConnectionConfig(p)
	if err != nil {
		t.Fatalf("NewConnectionConfig() error = %v", err)
	}
	return cfg
}

// startSession creates and starts a session on a fake dialer and waits
// for the first connection.
func startSession(t *testing.T, cfg *ConnectionConfig, d *fakeDialer, store MessageStore) (*SessionManager, *recorder) {
	t.Helper()
	s := NewSessionManager(cfg, d, SessionOptions{Store: store})
	rec := &recorder{}
	s.AddListener(rec.add)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx) //nolint:errcheck // Test cleanup
	})
	if !d.refusing() {
		waitFor(t, "connected", func() bool { return s.CurrentState() == StateConnected })
	}
	return s, rec
}

func send(t *testing.T, s *SessionManager, payload string, qos byte) {
	t.Helper()
	err := s.Send(context.Background(), OutboundMessage{Topic: "sensors/1/temp", Payload: []byte(payload), QoS: qos})
	if err != nil {
		t.Fatalf("Send(%q) error = %v", payload, err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mqttMessage(p publishedMsg) mqtt.Message {
	return mqtt.Message{Topic: p.topic, Payload: []byte(p.payload), QoS: p.qos, MessageID: 1, Retained: p.retain}
}
