package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSweepSize is the pool size above which idle limiters are dropped.
const limiterSweepSize = 1024

// limiterPool hands out one token bucket per thread. Each bucket refills
// perMinute tokens per minute and bursts up to perMinute.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*rate.Limiter
	perMinute int
}

func newLimiterPool(perMinute int) *limiterPool {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), perMinute: perMinute}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	if len(p.m) >= limiterSweepSize {
		p.sweep()
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.perMinute)), p.perMinute)
	p.m[key] = l
	return l
}

// sweep drops limiters whose bucket has fully refilled.
func (p *limiterPool) sweep() {
	for k, l := range p.m {
		if l.Tokens() >= float64(p.perMinute) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
