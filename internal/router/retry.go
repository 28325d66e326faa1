package router

import (
	"errors"
	"math/rand/v2"
	"time"
)

// ErrRateLimited is the edge rejection for a principal over budget. It
// carries no detail; the retry hint travels alongside it.
var ErrRateLimited = errors.New("router: rate limited")

// ErrDeliveryFailed marks a chunk whose delivery retries are exhausted.
// Terminal for that chunk only.
var ErrDeliveryFailed = errors.New("router: delivery failed")

// RetryPolicy is an explicit backoff schedule. MaxAttempts of zero means
// retry forever, which is how adapter subscriptions are protected.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Delay returns the backoff before the given attempt (1-based): exponential
// from BaseDelay, capped at MaxDelay, with up to Jitter fraction added.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Exhausted reports whether attempt (1-based) is past the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
