package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Monitoring (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/publish", s.handlePublish)
			r.Post("/auth/ws-ticket", s.handleWSTicket)
		})

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports the transport state. It answers 503 while the
// transport is not connected so load balancers can route around it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"state":   s.transport.State().String(),
	}
	if err := s.transport.HealthCheck(r.Context()); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handleStats returns the transport counters.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transport":         s.transport.Stats(),
		"websocket_clients": s.hub.ClientCount(),
	})
}
