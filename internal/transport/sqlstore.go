package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/database"
)

// SQLStore is a MessageStore on the SQLite outbound_messages table.
// Rows are scoped by client id, so one database can serve several
// transports.
type SQLStore struct {
	db       *database.DB
	clientID string
}

// NewSQLStore returns a store for clientID. The database must already be
// migrated. The caller owns db; Close does not close it.
func NewSQLStore(db *database.DB, clientID string) *SQLStore {
	return &SQLStore{db: db, clientID: clientID}
}

func (s *SQLStore) Save(ctx context.Context, msg *OutboundMessage) error {
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO outbound_messages
			(client_id, seq, topic, payload, qos, retain, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.clientID, int64(msg.Seq), msg.Topic, payload, int64(msg.QoS), boolToInt(msg.Retain),
		msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving message %d: %w", msg.Seq, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outbound_messages WHERE client_id = ? AND seq = ?`,
		s.clientID, int64(seq),
	)
	if err != nil {
		return fmt.Errorf("deleting message %d: %w", seq, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) ([]*OutboundMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, topic, payload, qos, retain, enqueued_at
		 FROM outbound_messages WHERE client_id = ? ORDER BY seq`,
		s.clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only

	var out []*OutboundMessage
	for rows.Next() {
		var (
			seq, qos, retain int64
			m                OutboundMessage
			enqueued         string
		)
		if err := rows.Scan(&seq, &m.Topic, &m.Payload, &qos, &retain, &enqueued); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Seq = uint64(seq) //nolint:gosec // Written from uint64
		m.QoS = byte(qos)   //nolint:gosec // CHECK constraint limits to 1-2
		m.Retain = retain != 0
		if t, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
			m.EnqueuedAt = t
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbound_messages WHERE client_id = ?`, s.clientID)
	if err != nil {
		return fmt.Errorf("resetting messages: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return nil }

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
