package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/mqtt-transport/internal/transport"
)

// publishRequest is the request body for POST /publish.
//
// A JSON string payload is sent as its raw text; any other JSON value is
// sent as its encoded form.
type publishRequest struct {
	Payload    json.RawMessage   `json:"payload"`
	Attributes map[string]string `json:"attributes"`
}

func (p publishRequest) body() []byte {
	var text string
	if err := json.Unmarshal(p.Payload, &text); err == nil {
		return []byte(text)
	}
	return p.Payload
}

// handlePublish hands one payload to the transport. 202 means the message
// was queued, not that the broker acknowledged it.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		writeBadRequest(w, "payload is required")
		return
	}

	err := s.transport.Publish(r.Context(), req.body(), req.Attributes)
	if err != nil {
		s.writePublishError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) writePublishError(w http.ResponseWriter, r *http.Request, err error) {
	var resErr *transport.ResolutionError
	var fullErr *transport.QueueFullError
	switch {
	case errors.As(err, &resErr):
		writeJSON(w, http.StatusUnprocessableEntity, Error{
			Status:  http.StatusUnprocessableEntity,
			Code:    ErrCodeValidation,
			Message: resErr.Error(),
			Details: map[string][]string{"missing": resErr.Missing, "invalid": resErr.Invalid},
		})
	case errors.As(err, &fullErr):
		writeUnavailable(w, ErrCodeQueueFull, fullErr.Error())
	case errors.Is(err, transport.ErrPublishDisabled):
		writeError(w, http.StatusConflict, ErrCodeConflict, "publishing is disabled in subscribe mode")
	case errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrNotStarted):
		writeUnavailable(w, ErrCodeUnavailable, err.Error())
	default:
		s.logger.Error("publish failed", "error", err, "request_id", r.Context().Value(ctxKeyRequestID))
		writeInternalError(w, "publish failed")
	}
}
