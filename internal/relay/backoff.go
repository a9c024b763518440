package relay

import (
	"math/rand"
	"time"
)

// Backoff schedules retries as min(cap, base * 2^attempt) scaled by a
// jitter factor uniform in [0.5, 1.5).
type Backoff struct {
	base     time.Duration
	maxDelay time.Duration
	rand     func() float64
}

func NewBackoff(base, maxDelay time.Duration) Backoff {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return Backoff{base: base, maxDelay: maxDelay, rand: rand.Float64}
}

// Delay returns the wait before the next try after `attempt` completed
// attempts.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt && d < b.maxDelay; i++ {
		d *= 2
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	jitter := 0.5 + b.rand()
	return time.Duration(float64(d) * jitter)
}
