package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/database"
	_ "github.com/nerrad567/mqtt-transport/migrations"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "transport.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

// exerciseStore runs the MessageStore contract against s.
func exerciseStore(t *testing.T, s MessageStore) {
	t.Helper()
	ctx := context.Background()
	enqueued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, m := range []*OutboundMessage{
		{Seq: 3, Topic: "sensors/3/temp", Payload: []byte("c"), QoS: 1, EnqueuedAt: enqueued},
		{Seq: 1, Topic: "sensors/1/temp", Payload: []byte("a"), QoS: 2, Retain: true, EnqueuedAt: enqueued},
		{Seq: 2, Topic: "sensors/2/temp", Payload: nil, QoS: 1, EnqueuedAt: enqueued},
	} {
		if err := s.Save(ctx, m); err != nil {
			t.Fatalf("Save(%d) error = %v", m.Seq, err)
		}
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !equalSeqs(seqs(got), []uint64{1, 2, 3}) {
		t.Fatalf("Load() seqs = %v, want [1 2 3]", seqs(got))
	}
	first := got[0]
	if first.Topic != "sensors/1/temp" || string(first.Payload) != "a" || first.QoS != 2 || !first.Retain {
		t.Errorf("Load()[0] = %+v, want sensors/1/temp a qos2 retained", first)
	}
	if !first.EnqueuedAt.Equal(enqueued) {
		t.Errorf("EnqueuedAt = %v, want %v", first.EnqueuedAt, enqueued)
	}
	if len(got[1].Payload) != 0 {
		t.Errorf("empty payload loaded as %q", got[1].Payload)
	}

	if err := s.Delete(ctx, 2); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ = s.Load(ctx) //nolint:errcheck // Checked above
	if !equalSeqs(seqs(got), []uint64{1, 3}) {
		t.Errorf("Load() after Delete = %v, want [1 3]", seqs(got))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	got, _ = s.Load(ctx) //nolint:errcheck // Checked above
	if len(got) != 0 {
		t.Errorf("Load() after Reset = %v, want empty", seqs(got))
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesMessages(t *testing.T) {
	s := NewMemoryStore()
	m := &OutboundMessage{Seq: 1, Topic: "a", Payload: []byte("x"), QoS: 1}
	if err := s.Save(context.Background(), m); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	m.Payload[0] = 'y'

	got, _ := s.Load(context.Background()) //nolint:errcheck // Memory store never fails
	if string(got[0].Payload) != "x" {
		t.Errorf("stored payload = %q, want x", got[0].Payload)
	}
}

func TestSQLStore(t *testing.T) {
	exerciseStore(t, NewSQLStore(openTestDB(t), "edge-01"))
}

func TestSQLStore_ScopedByClientID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := NewSQLStore(db, "client-a")
	b := NewSQLStore(db, "client-b")

	if err := a.Save(ctx, &OutboundMessage{Seq: 1, Topic: "a", Payload: []byte("1"), QoS: 1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := b.Save(ctx, &OutboundMessage{Seq: 1, Topic: "b", Payload: []byte("1"), QoS: 1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := a.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || got[0].Topic != "b" {
		t.Errorf("client-b messages = %+v, want one on topic b", got)
	}
}

func TestSQLStore_RejectsQoSZero(t *testing.T) {
	s := NewSQLStore(openTestDB(t), "edge-01")
	err := s.Save(context.Background(), &OutboundMessage{Seq: 1, Topic: "a", QoS: 0})
	if err == nil {
		t.Error("Save() of a QoS 0 message error = nil, want constraint error")
	}
}

// A persistent session on SQLite redelivers across restarts.
func TestSessionManager_SQLStoreSurvivesRestart(t *testing.T) {
	db := openTestDB(t)
	cfg := mustConfig(t, func(p *ConnectionParams) {
		p.CleanSession = false
		p.ShutdownGrace = 20 * time.Millisecond
	})

	d1 := &fakeDialer{}
	s1, _ := startSession(t, cfg, d1, NewSQLStore(db, cfg.ClientID()))
	send(t, s1, "persisted", 1)
	waitFor(t, "sent", func() bool { return len(d1.conn(0).payloads()) == 1 })
	if err := s1.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	d2 := &fakeDialer{autoAck: true}
	s2, _ := startSession(t, cfg, d2, NewSQLStore(db, cfg.ClientID()))
	waitFor(t, "redelivered", func() bool { return s2.Stats().Published == 1 })
	if got := d2.conn(0).payloads(); !equalStrings(got, []string{"persisted"}) {
		t.Errorf("published = %v, want [persisted]", got)
	}
}
