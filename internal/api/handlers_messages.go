package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/threadstream/internal/agent"
	"github.com/mattjoyce/threadstream/internal/chat"
	"github.com/mattjoyce/threadstream/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// PostMessageResponse is returned when a user message is accepted.
type PostMessageResponse struct {
	Message *store.Message `json:"message"`
	Thread  *store.Thread  `json:"thread"`
	RunID   string         `json:"run_id,omitempty"`
}

// handlePostMessage handles POST /v1/threads/{thread_id}/messages.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	var req chat.PostMessage
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", codeBadRequest)
		return
	}
	if req.Role != "" && req.Role != string(store.RoleUser) {
		s.writeError(w, http.StatusBadRequest, "only user messages can be posted", codeValidation)
		return
	}
	if req.Format == "" {
		req.Format = chat.FormatText
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), codeValidation)
		return
	}
	if n := chat.Length(req.Format, req.Content); n > s.config.MessageMaxLen {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("message length %d exceeds limit %d", n, s.config.MessageMaxLen), codeTooLarge)
		return
	}
	if !s.limiter.Allow(threadID) {
		s.deps.Metrics.RateLimited()
		w.Header().Set("Retry-After", "60")
		s.writeError(w, http.StatusTooManyRequests, "too many messages for this thread", codeRateLimited)
		return
	}

	msg := &store.Message{Role: store.RoleUser, Format: req.Format, Content: req.Content}
	t, err := s.deps.Threads.HandleUserMessage(r.Context(), threadID, msg)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.deps.Metrics.MessageAccepted()

	resp := PostMessageResponse{Message: msg, Thread: t}
	if s.deps.Runs != nil {
		run, err := s.deps.Runs.Submit(r.Context(), threadID, msg.ID)
		if errors.Is(err, agent.ErrQueueFull) {
			s.writeError(w, http.StatusServiceUnavailable, "agent queue is full", codeQueueFull)
			return
		}
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		resp.RunID = run.ID
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// handleListMessages handles GET /v1/threads/{thread_id}/messages. Pages run
// backwards from before (a message seq); X-Next-Cursor carries the cursor of
// the next older page.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	q := r.URL.Query()

	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "before must be a positive integer", codeValidation)
			return
		}
		before = n
	}

	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxPageSize), codeValidation)
			return
		}
		limit = n
	}

	if _, err := s.deps.Threads.Get(r.Context(), threadID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	msgs, more, err := s.deps.Messages.List(r.Context(), threadID, before, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	if more && len(msgs) > 0 {
		w.Header().Set("X-Next-Cursor", strconv.FormatInt(msgs[0].Seq, 10))
	}
	respondJSON(w, http.StatusOK, msgs)
}
