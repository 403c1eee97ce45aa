// Package bus is the in-process publish/subscribe channel that carries agent
// and thread events keyed by thread identifier.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kind names an event. Kinds double as stream event names on the wire.
type Kind string

const (
	KindRunStarted        Kind = "run.started"
	KindRunStage          Kind = "run.stage"
	KindMessageCreated    Kind = "message.created"
	KindAgentMsg          Kind = "agent.msg"
	KindSuggestion        Kind = "suggestion"
	KindIssues            Kind = "issues"
	KindPipelineCreated   Kind = "pipeline.created"
	KindPipelinePublished Kind = "pipeline.published"
	KindUIAck             Kind = "ui.ack"
	KindRunFinished       Kind = "run.finished"
	KindToken             Kind = "token"
	KindDone              Kind = "done"
	KindPing              Kind = "ping"
)

// Event is one published unit. Data must be JSON-serializable.
type Event struct {
	Kind     Kind
	ThreadID string
	Data     any
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(ctx context.Context, e Event)

// Any matches every kind or every thread when passed to Subscribe.
const Any = ""

type entry struct {
	id       uint64
	kind     Kind
	threadID string
	handler  Handler
}

// Bus dispatches events synchronously to subscribers in registration order.
// It keeps no history: a subscriber only sees events published after it
// subscribed.
type Bus struct {
	mu      sync.RWMutex
	entries []entry
	nextID  uint64
	logger  *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscription is the handle returned by Subscribe. Release removes the
// handler; it is safe to call more than once.
type Subscription struct {
	once    sync.Once
	release func()
}

// Release unregisters the handler.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// Subscribe registers h for events of kind on threadID. Either may be Any.
func (b *Bus) Subscribe(kind Kind, threadID string, h Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.entries = append(b.entries, entry{id: id, kind: kind, threadID: threadID, handler: h})
	b.mu.Unlock()

	return &Subscription{release: func() { b.remove(id) }}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.id == id {
			b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every matching handler before returning and reports
// how many handlers ran. A panicking handler is logged and does not stop the
// remaining handlers.
func (b *Bus) Publish(ctx context.Context, e Event) int {
	b.mu.RLock()
	matched := make([]entry, 0, len(b.entries))
	for _, s := range b.entries {
		if (s.kind == Any || s.kind == e.Kind) && (s.threadID == Any || s.threadID == e.ThreadID) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		if err := b.dispatch(ctx, s.handler, e); err != nil {
			b.logger.Error("event handler failed",
				"event", string(e.Kind),
				"thread_id", e.ThreadID,
				"error", err,
			)
		}
	}
	return len(matched)
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h(ctx, e)
	return nil
}
