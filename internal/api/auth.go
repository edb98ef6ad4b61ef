package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

type ticketEntry struct {
	subject   string
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

func (s *Server) authEnabled() bool {
	return s.cfg.Auth.JWTSecret != ""
}

// parseToken validates an HS256 bearer token and returns its subject.
func (s *Server) parseToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(_ *jwt.Token) (any, error) {
		return []byte(s.cfg.Auth.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("reading subject: %w", err)
	}
	return subject, nil
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses this ticket to authenticate the WebSocket connection
// without exposing the token in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is disabled
	ticket := s.tickets.issue(subject)

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

func (t *ticketStore) issue(subject string) string {
	ticket := generateTicket()
	t.mu.Lock()
	t.tickets[ticket] = ticketEntry{subject: subject, expiresAt: time.Now().Add(ticketTTL)}
	t.mu.Unlock()
	return ticket
}

// consume checks if a ticket is valid and removes it (single-use).
func (t *ticketStore) consume(ticket string) (ticketEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(t.tickets, ticket)

	return entry, time.Now().Before(entry.expiresAt)
}

// clean removes expired tickets.
func (t *ticketStore) clean() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for ticket, entry := range t.tickets {
		if now.After(entry.expiresAt) {
			delete(t.tickets, ticket)
		}
	}
}

func (t *ticketStore) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tickets)
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// cleanTicketsLoop removes expired tickets periodically until the context is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.clean()
		}
	}
}
