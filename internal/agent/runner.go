// Package agent answers accepted user messages. Each message gets one
// persisted run that is queued, processed serially and reported on the
// event bus from run.started through exactly one done event.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/mattjoyce/threadstream/internal/bus"
	"github.com/mattjoyce/threadstream/internal/config"
	"github.com/mattjoyce/threadstream/internal/metrics"
	"github.com/mattjoyce/threadstream/internal/store"
)

// Publisher receives run events.
type Publisher interface {
	Publish(ctx context.Context, e bus.Event) int
}

// Runner manages the serial execution of agent runs.
type Runner struct {
	runStore  *store.RunStore
	responder *Responder
	cfg       config.AgentConfig
	logger    *slog.Logger

	queue chan string
	mu    sync.Mutex
	done  chan struct{}
}

var ErrQueueFull = errors.New("runner queue is full")

// NewRunner creates a new Runner.
func NewRunner(runStore *store.RunStore, messages *store.MessageStore, chatModel model.BaseChatModel, publisher Publisher, cfg config.AgentConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 100
	}

	return &Runner{
		runStore:  runStore,
		responder: NewResponder(chatModel, runStore, messages, publisher, cfg, m, logger),
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan string, capacity),
		done:      make(chan struct{}),
	}
}

// Submit creates the run answering messageID and queues it. Submitting the
// same message again returns the existing run without queueing it twice.
// When the queue is full the run is failed and ErrQueueFull returned.
func (r *Runner) Submit(ctx context.Context, threadID, messageID string) (*store.Run, error) {
	run, existing, err := r.runStore.Create(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}
	if existing {
		return run, nil
	}
	if err := r.Enqueue(run.ID); err != nil {
		_ = r.responder.fail(ctx, run, err)
		return run, err
	}
	return run, nil
}

// Enqueue adds a run ID to the processing queue.
// It returns ErrQueueFull when the queue cannot accept the run within EnqueueTimeout.
func (r *Runner) Enqueue(runID string) error {
	timeout := r.cfg.EnqueueTimeout
	if timeout <= 0 {
		select {
		case r.queue <- runID:
			return nil
		default:
			return ErrQueueFull
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r.queue <- runID:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

// Start runs the serial worker loop. Blocks until context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("agent runner started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("agent runner stopping")
			return
		case runID := <-r.queue:
			r.processRun(ctx, runID)
		}
	}
}

// Done returns a channel that is closed when the runner has finished processing
// and the Start method has returned. Use this for graceful shutdown.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// RecoverRuns finds interrupted runs (status=running or queued) and re-enqueues them.
func (r *Runner) RecoverRuns(ctx context.Context) error {
	running, err := r.runStore.ListByStatus(ctx, store.RunStatusRunning)
	if err != nil {
		return err
	}
	queued, err := r.runStore.ListByStatus(ctx, store.RunStatusQueued)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(running)+len(queued))
	enqueued := 0

	for _, run := range append(running, queued...) {
		if _, ok := seen[run.ID]; ok {
			continue
		}
		seen[run.ID] = struct{}{}

		r.logger.Info("recovering run", "run_id", run.ID, "thread_id", run.ThreadID, "status", run.Status)
		if err := r.Enqueue(run.ID); err != nil {
			r.logger.Warn("failed to enqueue recovered run", "run_id", run.ID, "status", run.Status, "error", err)
			continue
		}
		enqueued++
	}

	if len(seen) > 0 {
		r.logger.Info("recovery scan complete", "candidates", len(seen), "enqueued", enqueued)
	}
	return nil
}

func (r *Runner) processRun(ctx context.Context, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.runStore.GetByID(ctx, runID)
	if err != nil {
		r.logger.Error("failed to load run for processing", "run_id", runID, "error", err)
		return
	}

	if run.Status != store.RunStatusQueued && run.Status != store.RunStatusRunning {
		r.logger.Warn("skipping run with unexpected status", "run_id", runID, "status", run.Status)
		return
	}

	start := time.Now()
	if err := r.responder.Respond(ctx, run); err != nil {
		r.logger.Error("run failed", "run_id", runID, "thread_id", run.ThreadID, "error", err, "duration", time.Since(start))
	} else {
		r.logger.Info("run completed", "run_id", runID, "thread_id", run.ThreadID, "duration", time.Since(start))
	}
}
