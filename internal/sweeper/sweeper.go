// Package sweeper rotates stale threads on a cron schedule, so completed
// threads are archived even when no client is polling them.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mattjoyce/threadstream/internal/metrics"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "* * * * *"

// retryDelay is how long Run waits when the next tick cannot be computed.
const retryDelay = 30 * time.Second

// Rotator rotates every thread that is due and reports how many it rotated.
type Rotator interface {
	RotateStale(ctx context.Context) (int, error)
}

// Sweeper runs Rotator at each tick of a cron expression.
type Sweeper struct {
	schedule string
	rotator  Rotator
	metrics  *metrics.Metrics
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New validates schedule and returns a Sweeper. An empty schedule means
// DefaultSchedule.
func New(schedule string, rotator Rotator, m *metrics.Metrics, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{
		schedule: schedule,
		rotator:  rotator,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		after:    time.After,
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, t, false)
}

// SweepOnce rotates every due thread once.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.rotator.RotateStale(ctx)
	s.metrics.ThreadRotated("sweep", n)
	if err != nil {
		return n, fmt.Errorf("rotation sweep: %w", err)
	}
	if n > 0 {
		s.logger.Info("rotation sweep finished",
			"rotated", n,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return n, nil
}

// Run sweeps at every tick until ctx is done. Sweeps never overlap: a sweep
// that outlasts its tick delays the next one.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("rotation sweeper started", "schedule", s.schedule)
	defer s.logger.Info("rotation sweeper stopped")

	for {
		wait := retryDelay
		next, err := s.Next(s.now())
		if err != nil {
			s.logger.Error("next sweep tick failed", "schedule", s.schedule, "error", err)
		} else {
			wait = next.Sub(s.now())
		}

		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}
		if err != nil {
			continue
		}

		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("rotation sweep failed", "error", err)
		}
	}
}
