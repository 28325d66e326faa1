package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is per-principal edge admission control. One token bucket per
// principal; the key map is bounded and evicts the least recently seen
// principal when full.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*principalBucket
	limit   rate.Limit
	burst   int
	maxKeys int
}

type principalBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per principal with the given
// burst. maxKeys bounds memory against principal churn.
func NewRateLimiter(perMinute, burst, maxKeys int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &RateLimiter{
		buckets: make(map[string]*principalBucket),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		maxKeys: maxKeys,
	}
}

// Allow reports whether the principal may proceed now, and if not, a hint
// for when to retry.
func (l *RateLimiter) Allow(principal string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[principal]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		b = &principalBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[principal] = b
	}
	b.lastSeen = time.Now()

	if b.limiter.Allow() {
		return true, 0
	}

	reservation := b.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return false, delay
}

func (l *RateLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, b := range l.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = b.lastSeen
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// Len reports the tracked principal count.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
