package transport

import "sync/atomic"

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	State     State  `json:"state"`
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id,omitempty"`

	Connects         uint64 `json:"connects"`
	ConnectFailures  uint64 `json:"connect_failures"`
	ConnectionLosses uint64 `json:"connection_losses"`

	Published          uint64 `json:"published"`
	Failed             uint64 `json:"failed"`
	Dropped            uint64 `json:"dropped"`
	Discarded          uint64 `json:"discarded"`
	Abandoned          uint64 `json:"abandoned"`
	QueueFull          uint64 `json:"queue_full"`
	ResolutionFailures uint64 `json:"resolution_failures"`

	Received         uint64 `json:"received"`
	Duplicates       uint64 `json:"duplicates"`
	DeliveryFailures uint64 `json:"delivery_failures"`

	EventsDropped uint64 `json:"events_dropped"`

	Pending  int `json:"pending"`
	Inflight int `json:"inflight"`
	Buffered int `json:"buffered"`
}

// Fields returns the numeric counters keyed by name, for metrics points.
func (s Stats) Fields() map[string]any {
	return map[string]any{
		"connects":            s.Connects,
		"connect_failures":    s.ConnectFailures,
		"connection_losses":   s.ConnectionLosses,
		"published":           s.Published,
		"failed":              s.Failed,
		"dropped":             s.Dropped,
		"discarded":           s.Discarded,
		"abandoned":           s.Abandoned,
		"queue_full":          s.QueueFull,
		"resolution_failures": s.ResolutionFailures,
		"received":            s.Received,
		"duplicates":          s.Duplicates,
		"delivery_failures":   s.DeliveryFailures,
		"events_dropped":      s.EventsDropped,
		"pending":             int64(s.Pending),
		"inflight":            int64(s.Inflight),
		"buffered":            int64(s.Buffered),
		"connected":           s.State == StateConnected,
	}
}

// counters are shared by the session, pipeline and router.
type counters struct {
	connects         atomic.Uint64
	connectFailures  atomic.Uint64
	connectionLosses atomic.Uint64

	published          atomic.Uint64
	failed             atomic.Uint64
	dropped            atomic.Uint64
	discarded          atomic.Uint64
	abandoned          atomic.Uint64
	queueFull          atomic.Uint64
	resolutionFailures atomic.Uint64

	received         atomic.Uint64
	duplicates       atomic.Uint64
	deliveryFailures atomic.Uint64

	eventsDropped atomic.Uint64

	pending  atomic.Int64
	inflight atomic.Int64
	buffered atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Connects:           c.connects.Load(),
		ConnectFailures:    c.connectFailures.Load(),
		ConnectionLosses:   c.connectionLosses.Load(),
		Published:          c.published.Load(),
		Failed:             c.failed.Load(),
		Dropped:            c.dropped.Load(),
		Discarded:          c.discarded.Load(),
		Abandoned:          c.abandoned.Load(),
		QueueFull:          c.queueFull.Load(),
		ResolutionFailures: c.resolutionFailures.Load(),
		Received:           c.received.Load(),
		Duplicates:         c.duplicates.Load(),
		DeliveryFailures:   c.deliveryFailures.Load(),
		EventsDropped:      c.eventsDropped.Load(),
		Pending:            int(c.pending.Load()),
		Inflight:           int(c.inflight.Load()),
		Buffered:           int(c.buffered.Load()),
	}
}
