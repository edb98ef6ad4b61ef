package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

type point struct {
	tags   map[string]string
	fields map[string]any
	ts     time.Time
}

type fakeWriter struct {
	mu     sync.Mutex
	points []point
}

func (w *fakeWriter) WriteStats(tags map[string]string, fields map[string]any, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point{tags, fields, ts})
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

type fixedStats Stats

func (s fixedStats) Stats() Stats { return Stats(s) }

func TestReporter_Report(t *testing.T) {
	src := fixedStats{ClientID: "edge-01", State: StateConnected, Published: 12, Pending: 3}
	w := &fakeWriter{}
	r := NewReporter(src, w, time.Minute, map[string]string{"site": "lab"})

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.Report(ts)

	if w.count() != 1 {
		t.Fatalf("points = %d, want 1", w.count())
	}
	p := w.points[0]
	wantTags := map[string]string{"site": "lab", "client_id": "edge-01", "state": "connected"}
	for k, v := range wantTags {
		if p.tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, p.tags[k], v)
		}
	}
	if p.fields["published"] != uint64(12) {
		t.Errorf("field published = %v, want 12", p.fields["published"])
	}
	if p.fields["pending"] != int64(3) {
		t.Errorf("field pending = %v, want 3", p.fields["pending"])
	}
	if p.fields["connected"] != true {
		t.Errorf("field connected = %v, want true", p.fields["connected"])
	}
	if !p.ts.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", p.ts, ts)
	}
}

func TestReporter_RunWritesFinalPoint(t *testing.T) {
	w := &fakeWriter{}
	r := NewReporter(fixedStats{ClientID: "edge-01"}, w, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	waitFor(t, "periodic points", func() bool { return w.count() >= 2 })
	cancel()
	<-done

	n := w.count()
	time.Sleep(30 * time.Millisecond)
	if w.count() != n {
		t.Error("Run kept writing after cancel")
	}
}
