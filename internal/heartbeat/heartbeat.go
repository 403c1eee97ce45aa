// Package heartbeat detects silent connection death. The server side paces
// keep-alive frames with Pulse; the client side arms a Watchdog that fires
// when nothing arrives within its window.
package heartbeat

import (
	"context"
	"sync"
	"time"
)

// Pulse calls beat every interval until ctx is done, stop is closed, or beat
// fails. It returns beat's error, or nil on a clean stop. The ticker is
// always released before Pulse returns.
func Pulse(ctx context.Context, interval time.Duration, stop <-chan struct{}, beat func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			if err := beat(); err != nil {
				return err
			}
		}
	}
}

// Watchdog calls onExpire once if Kick is not called within timeout.
type Watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	fired   bool
	stopped bool
}

// NewWatchdog arms a watchdog.
func NewWatchdog(timeout time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		if w.stopped || w.fired {
			w.mu.Unlock()
			return
		}
		w.fired = true
		w.mu.Unlock()
		onExpire()
	})
	return w
}

// Kick restarts the window. It has no effect after the watchdog fired or
// was stopped.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fired {
		return
	}
	w.timer.Reset(w.timeout)
}

// Fired reports whether the window elapsed.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Stop disarms the watchdog. onExpire will not be called after Stop returns
// unless it was already running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
