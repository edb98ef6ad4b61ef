package transport

import "sort"

// window holds messages accepted by the session: pending ones in sequence
// order, and QoS>0 ones sent but not yet acknowledged.
//
// Owned by the session loop; not safe for concurrent use.
type window struct {
	pending     []*OutboundMessage
	inflight    map[uint64]*OutboundMessage
	maxInflight int
}

func newWindow(maxInflight int) *window {
	return &window{
		inflight:    make(map[uint64]*OutboundMessage),
		maxInflight: maxInflight,
	}
}

// push queues m keeping pending sorted by Seq.
func (w *window) push(m *OutboundMessage) {
	n := len(w.pending)
	if n == 0 || w.pending[n-1].Seq < m.Seq {
		w.pending = append(w.pending, m)
		return
	}
	i := sort.Search(n, func(i int) bool { return w.pending[i].Seq > m.Seq })
	w.pending = append(w.pending, nil)
	copy(w.pending[i+1:], w.pending[i:])
	w.pending[i] = m
}

// next pops the head of the queue if it may be sent now. QoS>0 messages
// move into the in-flight set and are held back while it is full; the
// head is never skipped.
func (w *window) next() (*OutboundMessage, bool) {
	if len(w.pending) == 0 {
		return nil, false
	}
	m := w.pending[0]
	if m.QoS > 0 {
		if len(w.inflight) >= w.maxInflight {
			return nil, false
		}
		w.inflight[m.Seq] = m
	}
	w.pending[0] = nil
	w.pending = w.pending[1:]
	return m, true
}

// retire removes an acknowledged in-flight message.
func (w *window) retire(seq uint64) (*OutboundMessage, bool) {
	m, ok := w.inflight[seq]
	if ok {
		delete(w.inflight, seq)
	}
	return m, ok
}

// requeue returns one taken message to its place in the queue.
func (w *window) requeue(m *OutboundMessage) {
	delete(w.inflight, m.Seq)
	w.push(m)
}

// requeueInflight returns every unacknowledged message to the queue. They
// are older than anything pending, so they end up at the head.
func (w *window) requeueInflight() int {
	n := len(w.inflight)
	for seq, m := range w.inflight {
		delete(w.inflight, seq)
		w.push(m)
	}
	return n
}

// drain removes and returns every message in sequence order.
func (w *window) drain() []*OutboundMessage {
	w.requeueInflight()
	out := w.pending
	w.pending = nil
	return out
}

func (w *window) pendingLen() int  { return len(w.pending) }
func (w *window) inflightLen() int { return len(w.inflight) }
func (w *window) empty() bool      { return len(w.pending) == 0 && len(w.inflight) == 0 }
