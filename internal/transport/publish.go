package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// PublishPipeline turns host payloads into outbound messages: it encodes,
// resolves the topic template and hands messages to the SessionManager.
//
// While the session is not connected, messages wait in an offline buffer
// in arrival order. A full buffer drops its oldest message. The buffer is
// flushed in order on connect and discarded on a clean-session reset.
type PublishPipeline struct {
	session *SessionManager
	topic   *TopicTemplate
	qos     byte
	retain  bool
	codec   *Codec
	stats   *counters
	logger  Logger

	mu       sync.Mutex
	buf      []*OutboundMessage
	capacity int
	flushing bool
	closed   bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// flushRetryPause spaces out retries while the session queue is full.
const flushRetryPause = 50 * time.Millisecond

const drainPollInterval = 10 * time.Millisecond

// NewPublishPipeline creates a pipeline feeding s. Call Close when done.
func NewPublishPipeline(s *SessionManager, codec *Codec, logger Logger) *PublishPipeline {
	if logger == nil {
		logger = nopLogger{}
	}
	cfg := s.Config()
	ctx, cancel := context.WithCancel(context.Background())
	p := &PublishPipeline{
		session:  s,
		topic:    cfg.Topic(),
		qos:      cfg.QoS(),
		retain:   cfg.Retain(),
		codec:    codec,
		stats:    s.stats,
		logger:   logger,
		capacity: cfg.QueueCapacity(),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.AddListener(p.onEvent)

	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// Publish compresses payload, resolves the topic from attrs and enqueues
// the message. It reports enqueueing, not broker delivery.
//
// A *ResolutionError affects only this message.
func (p *PublishPipeline) Publish(ctx context.Context, payload []byte, attrs map[string]string) error {
	topic, err := p.topic.Resolve(attrs)
	if err != nil {
		p.stats.resolutionFailures.Add(1)
		p.session.emit(Event{Kind: EventResolutionFailed, Err: err})
		return err
	}

	body, err := p.codec.Compress(payload)
	if err != nil {
		return err
	}

	return p.submit(ctx, &OutboundMessage{
		Topic:      topic,
		Payload:    body,
		QoS:        p.qos,
		Retain:     p.retain,
		EnqueuedAt: time.Now(),
	})
}

// PublishEvent serializes v with the configured format, then publishes it.
func (p *PublishPipeline) PublishEvent(ctx context.Context, v any, attrs map[string]string) error {
	payload, err := p.codec.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, payload, attrs)
}

func (p *PublishPipeline) submit(ctx context.Context, m *OutboundMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if connected := p.session.CurrentState() == StateConnected; !connected || p.flushing || len(p.buf) > 0 {
		evicted := p.bufferLocked(m)
		p.mu.Unlock()
		if connected {
			p.wake()
		}
		if evicted != nil {
			p.stats.dropped.Add(1)
			p.logger.Warn("offline buffer full, dropping oldest message", "topic", evicted.Topic, "capacity", p.capacity)
			p.session.emit(Event{Kind: EventMessageDropped, Message: evicted, Err: ErrDropped})
		}
		return nil
	}
	p.mu.Unlock()

	return p.session.Send(ctx, *m)
}

// bufferLocked appends m and returns the message evicted to make room, if any.
func (p *PublishPipeline) bufferLocked(m *OutboundMessage) *OutboundMessage {
	var evicted *OutboundMessage
	if len(p.buf) >= p.capacity {
		evicted = p.buf[0]
		p.buf[0] = nil
		p.buf = p.buf[1:]
	}
	p.buf = append(p.buf, m)
	p.stats.buffered.Store(int64(len(p.buf)))
	return evicted
}

// onEvent runs on the session loop and must not block.
func (p *PublishPipeline) onEvent(ev Event) {
	switch ev.Kind {
	case EventSessionReset:
		p.mu.Lock()
		n := len(p.buf)
		p.buf = nil
		p.stats.buffered.Store(0)
		p.mu.Unlock()
		if n > 0 {
			p.stats.discarded.Add(uint64(n))
			p.logger.Warn("clean session reconnect discarded buffered messages", "count", n)
		}
	case EventConnected:
		p.wake()
	}
}

func (p *PublishPipeline) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *PublishPipeline) flushLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.kick:
			p.flush()
		}
	}
}

// flush hands buffered messages to the session in order while connected.
// Publish keeps buffering while flushing is set, so later messages cannot
// overtake buffered ones. flushing is cleared in the same critical section
// that observes the empty buffer.
func (p *PublishPipeline) flush() {
	p.mu.Lock()
	p.flushing = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.closed || len(p.buf) == 0 || p.session.CurrentState() != StateConnected {
			p.flushing = false
			p.mu.Unlock()
			return
		}
		m := p.buf[0]
		p.buf[0] = nil
		p.buf = p.buf[1:]
		p.stats.buffered.Store(int64(len(p.buf)))
		p.mu.Unlock()

		err := p.session.enqueue(p.ctx, *m)
		var full *QueueFullError
		switch {
		case err == nil:
		case errors.As(err, &full):
			// Session window is saturated; retry this message first.
			p.requeue(m, true)
			select {
			case <-p.ctx.Done():
				p.requeue(nil, false)
				return
			case <-time.After(flushRetryPause):
			}
		case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
			p.requeue(m, false)
			return
		default:
			p.stats.failed.Add(1)
			p.session.emit(Event{Kind: EventMessageFailed, Message: m, Err: err})
		}
	}
}

// requeue puts m back at the head of the buffer and sets flushing.
func (p *PublishPipeline) requeue(m *OutboundMessage, flushing bool) {
	p.mu.Lock()
	if m != nil {
		p.buf = append([]*OutboundMessage{m}, p.buf...)
		p.stats.buffered.Store(int64(len(p.buf)))
	}
	p.flushing = flushing
	p.mu.Unlock()
}

// Drain waits until the offline buffer is empty, the session leaves the
// Connected state, or ctx is done.
func (p *PublishPipeline) Drain(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		idle := len(p.buf) == 0 && !p.flushing
		p.mu.Unlock()
		if idle || p.session.CurrentState() != StateConnected {
			return
		}
		p.wake()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Buffered returns the number of messages waiting in the offline buffer.
func (p *PublishPipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Close stops accepting messages and reports buffered ones as abandoned.
func (p *PublishPipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	left := p.buf
	p.buf = nil
	p.stats.buffered.Store(0)
	p.mu.Unlock()

	for _, m := range left {
		p.stats.abandoned.Add(1)
		p.session.emit(Event{Kind: EventMessageFailed, Message: m, Err: ErrAbandoned})
	}
	if len(left) > 0 {
		p.logger.Warn("abandoned buffered messages at shutdown", "count", len(left))
	}
}
