package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectBackOffSequence(t *testing.T) {
	b := newReconnectBackOff(500*time.Millisecond, 10*time.Second)

	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}

	b.Reset()
	assert.Equal(t, 500*time.Millisecond, b.NextBackOff())
}

func TestReconnectBackOffDefaults(t *testing.T) {
	b := newReconnectBackOff(0, 0)
	assert.Equal(t, DefaultInitialBackoff, b.NextBackOff())
	assert.Equal(t, DefaultMaxBackoff, b.MaxInterval)
}
