package transport

import (
	"context"
	"sort"
	"sync"
)

// MessageStore persists accepted QoS>0 messages until the broker
// acknowledges them, so a restarted process can redeliver them.
//
// Only used with clean-session disabled. Implementations must be safe for
// concurrent use.
type MessageStore interface {
	// Save stores a message by its sequence number.
	Save(ctx context.Context, msg *OutboundMessage) error

	// Delete removes an acknowledged or discarded message.
	Delete(ctx context.Context, seq uint64) error

	// Load returns every stored message in sequence order.
	Load(ctx context.Context) ([]*OutboundMessage, error)

	// Reset removes every stored message.
	Reset(ctx context.Context) error

	Close() error
}

// MemoryStore is an in-process MessageStore. It survives SessionManager
// restarts within one process but not process restarts.
type MemoryStore struct {
	mu   sync.Mutex
	msgs map[uint64]*OutboundMessage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[uint64]*OutboundMessage)}
}

func (s *MemoryStore) Save(_ context.Context, msg *OutboundMessage) error {
	s.mu.Lock()
	s.msgs[msg.Seq] = msg.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, seq uint64) error {
	s.mu.Lock()
	delete(s.msgs, seq)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]*OutboundMessage, error) {
	s.mu.Lock()
	out := make([]*OutboundMessage, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	s.msgs = make(map[uint64]*OutboundMessage)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *MemoryStore) Close() error { return nil }
