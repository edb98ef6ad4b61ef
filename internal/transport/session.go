package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/mqtt"
)

const (
	// closeQuiesce lets paho flush outgoing packets on a clean disconnect.
	closeQuiesce = 250 * time.Millisecond

	// storeTimeout bounds message store calls made at Start.
	storeTimeout = 10 * time.Second
)

// errLostDuringSetup is reported when the link dropped while connect hooks ran.
var errLostDuringSetup = errors.New("transport: connection lost during setup")

// Logger is the logging interface used by transport components.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ConnectInfo describes a fresh connection to connect hooks.
type ConnectInfo struct {
	// SessionID is kept across reconnects only when clean session is off
	// and the broker resumed the session.
	SessionID      string
	SessionPresent bool
	Reconnect      bool
}

// ConnectHook runs after every successful dial, before the session is
// reported Connected. An error aborts the attempt and it is retried.
type ConnectHook func(ctx context.Context, conn Conn, info ConnectInfo) error

// SessionOptions are optional SessionManager dependencies.
type SessionOptions struct {
	// Store persists QoS>0 messages with clean session off. Defaults to a MemoryStore.
	Store MessageStore

	Logger Logger
}

type loopEventKind int

const (
	evStart loopEventKind = iota
	evSend
	evConnectResult
	evLost
	evRetry
	evAck
	evHealth
	evStop
	evGraceExpired
)

// loopEvent is the only way other goroutines talk to the session loop.
// gen ties connection-scoped events to the attempt that produced them.
type loopEvent struct {
	kind loopEventKind
	gen  uint64

	msg   *OutboundMessage
	reply chan error

	conn           Conn
	sessionPresent bool
	sessionID      string

	seq     uint64
	timeout bool

	grace time.Duration
	err   error
}

// SessionManager owns the broker connection for one transport: the
// connect/reconnect state machine, the outbound queue and the in-flight
// window.
//
// A single loop goroutine owns all mutable session state. Send, Stop,
// dial results, acknowledgements, timers and connection-lost callbacks
// post events into it. State reads are atomic and never block.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Listeners and connect hooks must not call back into the SessionManager.
type SessionManager struct {
	cfg    *ConnectionConfig
	dialer Dialer
	store  MessageStore
	logger Logger
	stats  *counters
	bus    eventBus

	state     atomic.Int32
	sessionID atomic.Pointer[string]
	running   atomic.Bool
	closing   atomic.Bool
	seq       atomic.Uint64

	lifeMu  sync.Mutex
	started bool
	stopped bool

	hooksMu sync.RWMutex
	hooks   []ConnectHook

	events chan loopEvent
	done   chan struct{}
	slots  chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc

	// Loop-owned.
	conn         Conn
	gen          uint64
	lostGen      uint64
	win          *window
	reconn       *reconnector
	retryTimer   *time.Timer
	healthTimer  *time.Timer
	graceTimer   *time.Timer
	hasConnected bool
	stopping     bool
	exit         bool
}

// NewSessionManager creates a session in StateDisconnected. A nil dialer
// selects the paho broker adaptor.
func NewSessionManager(cfg *ConnectionConfig, dialer Dialer, opts SessionOptions) *SessionManager {
	return newSessionManager(cfg, dialer, opts, &counters{})
}

func newSessionManager(cfg *ConnectionConfig, dialer Dialer, opts SessionOptions, stats *counters) *SessionManager {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	if dialer == nil {
		dialer = PahoDialer{Logger: logger}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		cfg:       cfg,
		dialer:    dialer,
		store:     store,
		logger:    logger,
		stats:     stats,
		events:    make(chan loopEvent),
		done:      make(chan struct{}),
		slots:     make(chan struct{}, cfg.MaxPending()),
		runCtx:    ctx,
		cancelRun: cancel,
		win:       newWindow(cfg.MaxInflight()),
		reconn: newReconnector(cfg.ReconnectInitialDelay(), cfg.ReconnectMaxDelay(),
			cfg.AutoReconnect(), cfg.MaxReconnectAttempts()),
	}
}

// AddListener registers fn for every session event. Register before Start.
func (s *SessionManager) AddListener(fn func(Event)) {
	s.bus.add(fn)
}

// OnConnect registers a hook run on every successful connect. Register
// before Start.
func (s *SessionManager) OnConnect(hook ConnectHook) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

func (s *SessionManager) connectHooks() []ConnectHook {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.hooks
}

// CurrentState returns the session state without blocking.
func (s *SessionManager) CurrentState() State {
	return State(s.state.Load())
}

// SessionID returns the current session identity, or "" before the first connect.
func (s *SessionManager) SessionID() string {
	if p := s.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// Config returns the connection configuration.
func (s *SessionManager) Config() *ConnectionConfig {
	return s.cfg
}

// Stats returns a snapshot of the counters.
func (s *SessionManager) Stats() Stats {
	st := s.stats.snapshot()
	st.State = s.CurrentState()
	st.ClientID = s.cfg.ClientID()
	st.SessionID = s.SessionID()
	return st
}

// Start begins connecting. It is idempotent while the session is
// connecting or connected, restarts a Disconnected session, and returns
// ErrClosed after Stop.
//
// The first Start restores persisted messages (clean session off) or
// clears the store (clean session on).
func (s *SessionManager) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.stopped {
		return ErrClosed
	}
	if !s.started {
		if err := s.restore(); err != nil {
			return err
		}
		s.started = true
		s.running.Store(true)
		go s.run()
	}

	reply := make(chan error, 1)
	if !s.post(loopEvent{kind: evStart, reply: reply}) {
		return ErrClosed
	}
	return <-reply
}

func (s *SessionManager) restore() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if s.cfg.CleanSession() {
		if err := s.store.Reset(ctx); err != nil {
			return fmt.Errorf("resetting message store: %w", err)
		}
		return nil
	}

	msgs, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading message store: %w", err)
	}
	for _, m := range msgs {
		m.persisted = true
		s.win.push(m)
		if m.Seq > s.seq.Load() {
			s.seq.Store(m.Seq)
		}
	}
	if len(msgs) > 0 {
		s.logger.Info("restored unacknowledged messages", "count", len(msgs), "client_id", s.cfg.ClientID())
	}
	s.syncGauges()
	return nil
}

// Stop stops accepting sends, drains queued messages while connected for
// up to the shutdown grace period (or ctx deadline, if sooner), then
// disconnects. Messages still queued are reported as EventMessageFailed
// with ErrAbandoned; persisted ones stay in the store for the next run.
//
// The state is StateClosed when Stop returns. Calling Stop again waits for
// the first call to finish.
func (s *SessionManager) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		return nil
	}
	s.stopped = true
	s.closing.Store(true)
	started := s.started
	s.lifeMu.Unlock()

	if !started {
		s.cancelRun()
		s.setState(StateClosed)
		s.emit(Event{Kind: EventClosed})
		close(s.done)
		return nil
	}

	grace := s.cfg.ShutdownGrace()
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = max(until, 0)
		}
	}

	s.post(loopEvent{kind: evStop, grace: grace})
	select {
	case <-s.done:
	case <-ctx.Done():
		s.post(loopEvent{kind: evGraceExpired})
		<-s.done
	}
	return nil
}

// Send queues msg for delivery and returns once the session accepted it.
//
// It blocks only while MaxPending messages are already queued, for at
// most the enqueue timeout, then fails with *QueueFullError. After Stop it
// returns ErrClosed. Seq and EnqueuedAt are assigned here.
//
// A *QueueFullError counts the message as dropped and emits
// EventMessageDropped.
func (s *SessionManager) Send(ctx context.Context, msg OutboundMessage) error {
	err := s.enqueue(ctx, msg)
	var full *QueueFullError
	if errors.As(err, &full) {
		s.stats.dropped.Add(1)
		s.emit(Event{Kind: EventMessageDropped, Message: &msg, Err: err})
	}
	return err
}

// enqueue is Send without drop accounting, for callers that retry.
func (s *SessionManager) enqueue(ctx context.Context, msg OutboundMessage) error {
	if s.closing.Load() {
		return ErrClosed
	}
	if !s.running.Load() {
		return ErrNotStarted
	}
	if msg.QoS > 2 {
		return mqtt.ErrInvalidQoS
	}
	if err := mqtt.ValidateTopic(msg.Topic); err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}

	m := msg
	m.Payload = append([]byte(nil), msg.Payload...)
	m.slot = true
	m.persisted = false
	m.Seq = s.seq.Add(1)
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}

	if m.QoS > 0 && !s.cfg.CleanSession() {
		if err := s.store.Save(ctx, &m); err != nil {
			s.release(&m)
			return fmt.Errorf("persisting message: %w", err)
		}
		m.persisted = true
	}

	reply := make(chan error, 1)
	if !s.post(loopEvent{kind: evSend, msg: &m, reply: reply}) {
		s.forget(&m)
		return ErrClosed
	}
	return <-reply
}

func (s *SessionManager) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	default:
	}

	wait := s.cfg.EnqueueTimeout()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.slots <- struct{}{}:
		return nil
	case <-timer.C:
		s.stats.queueFull.Add(1)
		return &QueueFullError{Capacity: s.cfg.MaxPending(), Waited: wait}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *SessionManager) release(m *OutboundMessage) {
	if !m.slot {
		return
	}
	m.slot = false
	select {
	case <-s.slots:
	default:
	}
}

// forget drops a message from the store and frees its slot.
func (s *SessionManager) forget(m *OutboundMessage) {
	if m.persisted {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.store.Delete(ctx, m.Seq); err != nil {
			s.logger.Warn("failed to delete stored message", "seq", m.Seq, "error", err)
		}
		cancel()
		m.persisted = false
	}
	s.release(m)
}

// post hands ev to the loop. It returns false once the loop has exited.
func (s *SessionManager) post(ev loopEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *SessionManager) setState(st State) {
	s.state.Store(int32(st))
}

func (s *SessionManager) emit(ev Event) {
	ev.State = s.CurrentState()
	if ev.SessionID == "" {
		ev.SessionID = s.SessionID()
	}
	s.bus.emit(ev)
}

func (s *SessionManager) syncGauges() {
	s.stats.pending.Store(int64(s.win.pendingLen()))
	s.stats.inflight.Store(int64(s.win.inflightLen()))
}

// ===== Loop =====

func (s *SessionManager) run() {
	defer close(s.done)

	for {
		ev := <-s.events
		s.handle(ev)
		s.syncGauges()
		if s.exit {
			return
		}
	}
}

func (s *SessionManager) handle(ev loopEvent) {
	switch ev.kind {
	case evStart:
		if s.CurrentState() == StateDisconnected && !s.stopping {
			s.reconn.reset()
			s.beginConnect(StateConnecting)
		}
		ev.reply <- nil

	case evSend:
		if s.stopping {
			s.forget(ev.msg)
			ev.reply <- ErrClosed
			return
		}
		s.win.push(ev.msg)
		ev.reply <- nil
		s.pump()

	case evConnectResult:
		s.handleConnectResult(ev)

	case evLost:
		if ev.gen != s.gen {
			return
		}
		switch s.CurrentState() {
		case StateConnecting, StateReconnecting:
			s.lostGen = ev.gen
		case StateConnected:
			s.connectionLost(ev.err, false)
		}

	case evRetry:
		if ev.gen == s.gen && s.CurrentState() == StateReconnecting && !s.stopping {
			s.retryTimer = nil
			s.beginConnect(StateReconnecting)
		}

	case evAck:
		s.handleAck(ev)

	case evHealth:
		if ev.gen != s.gen || s.CurrentState() != StateConnected || s.conn == nil {
			return
		}
		if !s.conn.IsOpen() {
			s.connectionLost(mqtt.ErrNotConnected, true)
			return
		}
		s.armHealth()

	case evStop:
		s.handleStop(ev.grace)

	case evGraceExpired:
		if s.stopping {
			s.finish()
		}
	}
}

func (s *SessionManager) beginConnect(st State) {
	s.gen++
	s.setState(st)

	info := ConnectInfo{Reconnect: s.hasConnected, SessionID: s.SessionID()}
	go s.dial(s.gen, info)
}

// dial runs one connection attempt and its connect hooks off the loop.
func (s *SessionManager) dial(gen uint64, info ConnectInfo) {
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ConnectTimeout())
	defer cancel()

	opts := s.cfg.dialOptions()
	opts.Logger = s.logger
	opts.OnConnectionLost = func(err error) {
		s.post(loopEvent{kind: evLost, gen: gen, err: err})
	}

	conn, present, err := s.dialer.Dial(ctx, opts)
	if err != nil {
		s.post(loopEvent{kind: evConnectResult, gen: gen, err: err})
		return
	}

	info.SessionPresent = present
	if s.cfg.CleanSession() || !present || info.SessionID == "" {
		info.SessionID = uuid.NewString()
	}

	for _, hook := range s.connectHooks() {
		if err := hook(ctx, conn, info); err != nil {
			conn.Close(0)
			s.post(loopEvent{kind: evConnectResult, gen: gen, err: fmt.Errorf("connect hook: %w", err)})
			return
		}
	}

	ev := loopEvent{kind: evConnectResult, gen: gen, conn: conn, sessionPresent: present, sessionID: info.SessionID}
	if !s.post(ev) {
		conn.Close(0)
	}
}

func (s *SessionManager) handleConnectResult(ev loopEvent) {
	st := s.CurrentState()
	if ev.gen != s.gen || s.stopping || (st != StateConnecting && st != StateReconnecting) {
		if ev.conn != nil {
			ev.conn.Close(0)
		}
		return
	}

	if ev.err == nil && (s.lostGen == ev.gen || !ev.conn.IsOpen()) {
		ev.conn.Close(0)
		ev.err = errLostDuringSetup
	}
	if ev.err != nil {
		s.stats.connectFailures.Add(1)
		s.logger.Warn("mqtt connect failed", "broker", s.cfg.URL(), "error", ev.err)
		s.scheduleReconnect(ev.err)
		return
	}

	reconnect := s.hasConnected
	s.conn = ev.conn
	s.hasConnected = true
	s.reconn.reset()

	if reconnect && s.cfg.CleanSession() {
		s.resetSession()
	}

	id := ev.sessionID
	s.sessionID.Store(&id)
	s.stats.connects.Add(1)
	s.setState(StateConnected)

	s.logger.Info("mqtt connected",
		"broker", s.cfg.URL(),
		"client_id", s.cfg.ClientID(),
		"session_present", ev.sessionPresent,
		"queued", s.win.pendingLen(),
	)
	s.emit(Event{Kind: EventConnected, SessionID: id, SessionPresent: ev.sessionPresent})

	s.armHealth()
	s.pump()
}

// resetSession discards everything queued before a clean-session reconnect.
func (s *SessionManager) resetSession() {
	msgs := s.win.drain()
	for _, m := range msgs {
		s.forget(m)
		s.stats.discarded.Add(1)
	}
	if len(msgs) > 0 {
		s.logger.Warn("clean session reconnect discarded queued messages", "count", len(msgs))
	}
	s.emit(Event{Kind: EventSessionReset, Count: len(msgs), Err: ErrSessionReset})
}

func (s *SessionManager) connectionLost(cause error, closeConn bool) {
	if closeConn && s.conn != nil {
		s.conn.Close(0)
	}
	s.conn = nil
	stopTimer(&s.healthTimer)

	requeued := s.win.requeueInflight()
	s.stats.connectionLosses.Add(1)
	s.logger.Warn("mqtt connection lost", "broker", s.cfg.URL(), "requeued", requeued, "error", cause)
	s.emit(Event{Kind: EventConnectionLost, Err: cause})

	if s.stopping {
		s.finish()
		return
	}
	s.scheduleReconnect(cause)
}

func (s *SessionManager) scheduleReconnect(cause error) {
	delay, attempt, ok := s.reconn.next()
	if !ok {
		err := &ConnectionError{Broker: s.cfg.URL(), Attempts: attempt + 1, Err: cause}
		s.setState(StateDisconnected)
		s.logger.Error("mqtt reconnect attempts exhausted", "broker", s.cfg.URL(), "attempts", attempt+1, "error", cause)
		s.emit(Event{Kind: EventReconnectExhausted, Attempt: attempt, Err: err})
		return
	}

	s.setState(StateReconnecting)
	s.emit(Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay, Err: cause})

	gen := s.gen
	s.retryTimer = time.AfterFunc(delay, func() {
		s.post(loopEvent{kind: evRetry, gen: gen})
	})
}

func (s *SessionManager) armHealth() {
	interval := s.cfg.KeepAlive()
	if interval <= 0 {
		return
	}
	gen := s.gen
	s.healthTimer = time.AfterFunc(interval, func() {
		s.post(loopEvent{kind: evHealth, gen: gen})
	})
}

// pump sends queued messages while connected and the window allows.
func (s *SessionManager) pump() {
	if s.CurrentState() != StateConnected || s.conn == nil {
		return
	}

	for {
		m, ok := s.win.next()
		if !ok {
			break
		}

		tok, err := s.conn.Publish(m.Topic, m.QoS, m.Retain, m.Payload)
		if err != nil {
			if errors.Is(err, mqtt.ErrNotConnected) {
				s.win.requeue(m)
				s.connectionLost(err, true)
				return
			}
			s.fail(m, err)
			continue
		}

		if m.QoS == 0 {
			s.complete(m)
			continue
		}
		go s.awaitAck(s.gen, m.Seq, tok)
	}

	if s.stopping && s.win.empty() {
		s.finish()
	}
}

func (s *SessionManager) awaitAck(gen, seq uint64, tok mqtt.Token) {
	if !tok.WaitTimeout(s.cfg.PublishTimeout()) {
		s.post(loopEvent{kind: evAck, gen: gen, seq: seq, timeout: true})
		return
	}
	s.post(loopEvent{kind: evAck, gen: gen, seq: seq, err: tok.Error()})
}

func (s *SessionManager) handleAck(ev loopEvent) {
	if ev.gen != s.gen || s.conn == nil {
		return
	}
	m, ok := s.win.inflight[ev.seq]
	if !ok {
		return
	}

	switch {
	case ev.timeout:
		s.logger.Warn("publish acknowledgement timed out", "seq", ev.seq, "topic", m.Topic)
		s.connectionLost(ErrPublishTimeout, true)
		return
	case ev.err != nil && !s.conn.IsOpen():
		s.connectionLost(ev.err, true)
		return
	case ev.err != nil:
		s.win.retire(ev.seq)
		s.fail(m, ev.err)
	default:
		s.win.retire(ev.seq)
		s.complete(m)
	}
	s.pump()
}

func (s *SessionManager) complete(m *OutboundMessage) {
	s.forget(m)
	s.stats.published.Add(1)
}

func (s *SessionManager) fail(m *OutboundMessage, err error) {
	s.forget(m)
	s.stats.failed.Add(1)
	s.logger.Warn("publish failed", "seq", m.Seq, "topic", m.Topic, "error", err)
	s.emit(Event{Kind: EventMessageFailed, Message: m.clone(), Err: err})
}

func (s *SessionManager) handleStop(grace time.Duration) {
	if s.stopping {
		return
	}
	s.stopping = true
	stopTimer(&s.retryTimer)

	if s.CurrentState() != StateConnected || s.win.empty() {
		s.finish()
		return
	}

	s.logger.Info("draining outbound queue",
		"pending", s.win.pendingLen(),
		"inflight", s.win.inflightLen(),
		"grace", grace,
	)
	s.graceTimer = time.AfterFunc(grace, func() {
		s.post(loopEvent{kind: evGraceExpired})
	})
	s.pump()
}

// finish abandons whatever is left, disconnects and ends the loop.
func (s *SessionManager) finish() {
	if s.exit {
		return
	}
	stopTimer(&s.retryTimer)
	stopTimer(&s.healthTimer)
	stopTimer(&s.graceTimer)
	s.cancelRun()

	left := s.win.drain()
	persisted := 0
	for _, m := range left {
		if m.persisted {
			persisted++
		}
		s.release(m)
		s.stats.abandoned.Add(1)
		s.emit(Event{Kind: EventMessageFailed, Message: m.clone(), Err: ErrAbandoned})
	}
	if len(left) > 0 {
		s.logger.Warn("abandoned undelivered messages at shutdown", "count", len(left), "persisted", persisted)
	}

	if s.conn != nil {
		s.conn.Close(closeQuiesce)
		s.conn = nil
	}

	s.setState(StateClosed)
	s.logger.Info("mqtt session closed", "broker", s.cfg.URL())
	s.emit(Event{Kind: EventClosed})
	s.exit = true
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
