package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/threadstream/internal/store"
	"github.com/mattjoyce/threadstream/internal/thread"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// Error codes carried in ErrorResponse.Code.
const (
	codeUnauthorized = "UNAUTHORIZED"
	codeBadRequest   = "BAD_REQUEST"
	codeValidation   = "VALIDATION_FAILED"
	codeNotFound     = "NOT_FOUND"
	codeThreadClosed = "THREAD_CLOSED"
	codeConflict     = "CONFLICT"
	codeTooLarge     = "PAYLOAD_TOO_LARGE"
	codeRateLimited  = "RATE_LIMITED"
	codeQueueFull    = "QUEUE_FULL"
	codeKeyReused    = "IDEMPOTENCY_KEY_REUSED"
	codeKeyInFlight  = "IDEMPOTENCY_KEY_IN_FLIGHT"
	codeInternal     = "INTERNAL"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CompleteRequest is the JSON body for POST /v1/threads/{thread_id}/complete.
type CompleteRequest struct {
	Status string `json:"status"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleActiveThread handles POST /v1/flows/{flow_id}/threads/active.
func (s *Server) handleActiveThread(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")

	t, created, err := s.deps.Threads.GetOrCreateActive(r.Context(), flowID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, t)
}

// handleListThreads handles GET /v1/flows/{flow_id}/threads.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.deps.Threads.ListByFlow(r.Context(), chi.URLParam(r, "flow_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	respondJSON(w, http.StatusOK, threads)
}

// handleGetThread handles GET /v1/threads/{thread_id}.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Threads.Get(r.Context(), chi.URLParam(r, "thread_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleComplete handles POST /v1/threads/{thread_id}/complete. An empty body
// completes the thread as SUCCESS.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", codeBadRequest)
		return
	}

	t, err := s.deps.Threads.Complete(r.Context(), chi.URLParam(r, "thread_id"), req.Status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleRotate handles POST /v1/threads/{thread_id}/rotate.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Threads.MaybeRotate(r.Context(), chi.URLParam(r, "thread_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if res.Rotated {
		s.deps.Metrics.ThreadRotated("pull", 1)
	}
	respondJSON(w, http.StatusOK, res)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message, code string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps thread and store errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case thread.IsValidationError(err):
		s.writeError(w, http.StatusBadRequest, err.Error(), codeValidation)
	case errors.Is(err, thread.ErrNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error(), codeNotFound)
	case errors.Is(err, thread.ErrThreadClosed):
		s.writeError(w, http.StatusConflict, err.Error(), codeThreadClosed)
	case errors.Is(err, thread.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error(), codeConflict)
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error", codeInternal)
	}
}
