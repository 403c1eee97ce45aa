// Package thread implements the thread lifecycle: accepting user input,
// completion, rotation of stale threads and active-thread resolution.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/threadstream/internal/bus"
	"github.com/mattjoyce/threadstream/internal/storage"
	"github.com/mattjoyce/threadstream/internal/store"
)

// Publisher receives lifecycle notifications.
type Publisher interface {
	Publish(ctx context.Context, e bus.Event) int
}

// RotationResult describes the outcome of MaybeRotate.
type RotationResult struct {
	Rotated   bool          `json:"rotated"`
	Thread    *store.Thread `json:"thread"`
	Successor *store.Thread `json:"successor,omitempty"`
}

// Service applies lifecycle transitions against the record store. Every
// transition is a single conditional update, so concurrent callers cannot
// both apply the same transition.
type Service struct {
	threads   *store.ThreadStore
	publisher Publisher
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a thread Service.
func NewService(threads *store.ThreadStore, publisher Publisher, policy Policy, logger *slog.Logger) *Service {
	if policy.RotateAfter <= 0 {
		policy.RotateAfter = DefaultPolicy().RotateAfter
	}
	return &Service{
		threads:   threads,
		publisher: publisher,
		policy:    policy,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the rotation policy in use.
func (s *Service) Policy() Policy {
	return s.policy
}

// Get returns a thread by ID.
func (s *Service) Get(ctx context.Context, threadID string) (*store.Thread, error) {
	t, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, mapStoreError(threadID, err)
	}
	return t, nil
}

// ListByFlow returns the threads of a flow, newest first.
func (s *Service) ListByFlow(ctx context.Context, flowID string) ([]*store.Thread, error) {
	if strings.TrimSpace(flowID) == "" {
		return nil, NewValidationError("flow_id", "required")
	}
	return s.threads.ListByFlow(ctx, flowID)
}

// HandleUserMessage appends a user message to an active thread, moving a NEW
// thread to IN_PROGRESS first. Terminal threads reject input with
// ErrThreadClosed.
func (s *Service) HandleUserMessage(ctx context.Context, threadID string, msg *store.Message) (*store.Thread, error) {
	if msg == nil {
		return nil, NewValidationError("message", "required")
	}
	if msg.Role == "" {
		msg.Role = store.RoleUser
	}
	if msg.Role != store.RoleUser {
		return nil, NewValidationError("role", "only user messages can be posted")
	}

	t, err := s.threads.AcceptUserMessage(ctx, threadID, msg)
	if err != nil {
		return nil, mapStoreError(threadID, err)
	}

	s.logger.Info("user message accepted",
		"thread_id", threadID,
		"message_id", msg.ID,
		"status", t.Status,
	)
	s.publish(ctx, bus.Event{Kind: bus.KindMessageCreated, ThreadID: threadID, Data: msg})
	return t, nil
}

// Complete closes an active thread as SUCCESS or FAILED.
func (s *Service) Complete(ctx context.Context, threadID, status string) (*store.Thread, error) {
	outcome, err := ParseOutcome(status)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		current, err := s.Get(ctx, threadID)
		if err != nil {
			return nil, err
		}
		next, err := Complete(*current, outcome, s.now())
		if err != nil {
			return nil, err
		}
		ok, err := s.threads.Transition(ctx, current, &next)
		if err != nil {
			return nil, fmt.Errorf("complete thread %s: %w", threadID, err)
		}
		if ok {
			s.logger.Info("thread completed", "thread_id", threadID, "status", next.Status)
			return &next, nil
		}
	}
	return nil, fmt.Errorf("complete thread %s: %w", threadID, ErrConflict)
}

// MaybeRotate archives a stale completed thread and returns a NEW successor
// for the same flow. Threads that are not due are returned unchanged with
// Rotated=false. When two checks race, only one of them rotates.
func (s *Service) MaybeRotate(ctx context.Context, threadID string) (*RotationResult, error) {
	current, err := s.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !RotationDue(*current, s.policy, now) {
		return &RotationResult{Thread: current}, nil
	}

	archived := Archive(*current, now)
	successor, ok, err := s.threads.Rotate(ctx, current, &archived, store.NewThread(current.FlowID, now))
	if err != nil {
		return nil, fmt.Errorf("rotate thread %s: %w", threadID, err)
	}
	if !ok {
		latest, err := s.Get(ctx, threadID)
		if err != nil {
			return nil, err
		}
		return &RotationResult{Thread: latest}, nil
	}

	s.logger.Info("thread rotated",
		"thread_id", threadID,
		"flow_id", current.FlowID,
		"successor_id", successor.ID,
		"previous_status", current.Status,
	)
	return &RotationResult{Rotated: true, Thread: &archived, Successor: successor}, nil
}

// RotateStale runs MaybeRotate over every thread that may be due and returns
// how many were rotated.
func (s *Service) RotateStale(ctx context.Context) (int, error) {
	statuses := []store.ThreadStatus{store.ThreadStatusSuccess}
	if s.policy.RotateFailed {
		statuses = append(statuses, store.ThreadStatusFailed)
	}
	candidates, err := s.threads.ListStale(ctx, s.now().Add(-s.policy.RotateAfter), statuses...)
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			return rotated, err
		}
		res, err := s.MaybeRotate(ctx, t.ID)
		if err != nil {
			s.logger.Warn("rotation failed", "thread_id", t.ID, "error", err)
			continue
		}
		if res.Rotated {
			rotated++
		}
	}
	return rotated, nil
}

// GetOrCreateActive returns the active thread of a flow, creating a NEW one
// when none exists. created reports whether this call created it. A lost
// creation race is recovered by re-reading once.
func (s *Service) GetOrCreateActive(ctx context.Context, flowID string) (*store.Thread, bool, error) {
	if strings.TrimSpace(flowID) == "" {
		return nil, false, NewValidationError("flow_id", "required")
	}

	active, err := s.threads.FindActive(ctx, flowID)
	if err == nil {
		return active, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("find active thread: %w", err)
	}

	created, err := s.threads.Create(ctx, flowID)
	if err == nil {
		s.logger.Info("thread created", "thread_id", created.ID, "flow_id", flowID)
		return created, true, nil
	}
	if !storage.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("create thread: %w", err)
	}

	active, err = s.threads.FindActive(ctx, flowID)
	if err != nil {
		return nil, false, fmt.Errorf("active thread for flow %s: %w", flowID, ErrConflict)
	}
	return active, false, nil
}

func (s *Service) publish(ctx context.Context, e bus.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, e)
}

func mapStoreError(threadID string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	case errors.Is(err, store.ErrInactive):
		return fmt.Errorf("thread %s: %w", threadID, ErrThreadClosed)
	default:
		return err
	}
}
