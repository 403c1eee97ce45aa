package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/threadstream/internal/bus"
	"github.com/mattjoyce/threadstream/internal/chat"
	"github.com/mattjoyce/threadstream/internal/stream"
)

// AgentEventResponse is returned when a UI event is accepted.
type AgentEventResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
}

// handleEvents handles GET /v1/threads/{thread_id}/events. The resume id is
// read from the Last-Event-ID header, or from the last_event_id query
// parameter for clients that cannot set headers. A resume id outside the
// replay window is answered with 204 so the client starts fresh.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	if _, err := s.deps.Threads.Get(r.Context(), threadID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	conn, err := s.deps.Hub.Register(threadID, w, lastEventID)
	if errors.Is(err, stream.ErrReplayExpired) {
		s.logger.Info("stream resume rejected", "thread_id", threadID, "last_event_id", lastEventID)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.logger.Warn("stream register failed", "thread_id", threadID, "error", err)
		return
	}

	if err := conn.Serve(r.Context()); err != nil {
		s.logger.Debug("stream ended", "thread_id", threadID, "error", err)
	}
}

// handleAgentEvent handles POST /v1/threads/{thread_id}/agent/event and
// acknowledges the event on the thread's stream.
func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	var ev chat.AgentEvent
	if err := decodeJSON(r, &ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", codeBadRequest)
		return
	}
	if err := ev.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), codeValidation)
		return
	}
	if _, err := s.deps.Threads.Get(r.Context(), threadID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("ui event accepted",
		"thread_id", threadID,
		"kind", string(ev.Kind),
		"msg_id", ev.MsgID,
	)
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(r.Context(), bus.Event{
			Kind:     bus.KindUIAck,
			ThreadID: threadID,
			Data: chat.UIAck{
				Kind:  string(ev.Kind),
				MsgID: ev.MsgID,
				Msg:   "Event accepted: " + string(ev.Kind),
				TS:    time.Now().UTC(),
			},
		})
	}
	respondJSON(w, http.StatusAccepted, AgentEventResponse{Status: "accepted", Kind: string(ev.Kind)})
}
