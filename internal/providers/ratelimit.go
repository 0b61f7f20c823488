package providers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter paces calls to one upstream provider. It is a token bucket
// with capacity and refill rate derived from a per-minute request budget,
// plus a hold deadline that a server 429 can push into the future. All
// stories generating against the same provider share one limiter.
type RateLimiter struct {
	mu sync.Mutex

	capacity  float64
	perSecond float64

	tokens    float64
	refilled  time.Time
	holdUntil time.Time
}

// NewRateLimiter creates a limiter for the given per-minute budget.
// A zero or negative budget falls back to 60 requests per minute.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		capacity:  float64(requestsPerMinute),
		perSecond: float64(requestsPerMinute) / 60.0,
		tokens:    float64(requestsPerMinute),
		refilled:  time.Now(),
	}
}

// Wait blocks until a token is available and any 429 hold has expired,
// or until the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		delay, ok := r.tryTake()
		if ok {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryTake consumes a token if one is available, otherwise it returns how
// long the caller should sleep before trying again.
func (r *RateLimiter) tryTake() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if hold := r.holdUntil.Sub(now); hold > 0 {
		return hold, false
	}

	elapsed := now.Sub(r.refilled).Seconds()
	r.refilled = now
	r.tokens += elapsed * r.perSecond
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}

	if r.tokens >= 1 {
		r.tokens--
		return 0, true
	}
	return time.Duration((1 - r.tokens) / r.perSecond * float64(time.Second)), false
}

// Record429 reacts to a rate-limit response from the provider. The bucket
// is emptied so in-flight callers back off together, and when the server
// sent a Retry-After the hold keeps everyone out until it passes.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = 0
	if retryAfter > 0 {
		if until := time.Now().Add(retryAfter); until.After(r.holdUntil) {
			r.holdUntil = until
		}
	}
}
