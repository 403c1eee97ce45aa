package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect delay bounds used when ConsumerOptions leaves them unset.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// newReconnectBackOff doubles from initial up to max without jitter and
// never gives up.
func newReconnectBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = DefaultMaxBackoff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
