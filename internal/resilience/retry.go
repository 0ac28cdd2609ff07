package resilience

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

const jitterRatio = 0.1

// RetryPolicy computes recovery delays: min(base*2^n, max) plus up to 10%
// jitter, re-capped at max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

func NewRetryPolicy(base, maxDelay time.Duration, seed int64) *RetryPolicy {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &RetryPolicy{Base: base, Max: maxDelay, rand: rand.New(rand.NewSource(seed))}
}

func (p *RetryPolicy) exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &backoff.Backoff{Min: p.Base, Max: p.Max, Factor: 2}
	return b.ForAttempt(float64(attempt))
}

// Delay returns the wait before recovery attempt n (0 based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := p.exponential(attempt)
	p.mu.Lock()
	j := p.rand.Float64()
	p.mu.Unlock()
	d += time.Duration(float64(d) * jitterRatio * j)
	if d > p.Max {
		d = p.Max
	}
	return d
}
