package stream

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/threadstream/internal/bus"
)

// Relay forwards every bus event to the hub as a stream frame named after
// the event kind. Releasing the returned subscription stops forwarding.
func Relay(b *bus.Bus, h *Hub, logger *slog.Logger) *bus.Subscription {
	return b.Subscribe(bus.Any, bus.Any, func(_ context.Context, e bus.Event) {
		if e.ThreadID == "" {
			logger.Warn("dropping event without thread id", "event", string(e.Kind))
			return
		}
		if _, err := h.Send(e.ThreadID, string(e.Kind), e.Data); err != nil {
			logger.Warn("relay event failed", "event", string(e.Kind), "thread_id", e.ThreadID, "error", err)
		}
	})
}
