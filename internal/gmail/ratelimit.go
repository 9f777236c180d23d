package gmail

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Operation represents an API operation with its quota cost.
type Operation int

const (
	OpMessagesList Operation = iota
	OpMessagesGetRaw
	OpMessagesGetLabels
	OpMessagesBatchModify
	OpProfile
)

// Cost returns the quota units consumed by an operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesList, OpMessagesGetRaw, OpMessagesGetLabels:
		return 5
	case OpMessagesBatchModify:
		return 50
	default:
		return 1 // OpProfile, unknown
	}
}

// DefaultCapacity is the token bucket capacity (Gmail's per-user quota).
const DefaultCapacity = 250

// DefaultRefillRate is tokens per second at the baseline QPS.
const DefaultRefillRate = 250.0

const (
	// baselineQPS is the QPS used to calculate the refill scale factor.
	baselineQPS = 5.0

	// throttleRecoveryFactor reduces the refill rate during throttle recovery.
	throttleRecoveryFactor = 0.5

	// minWait is the minimum wait when tokens are insufficient.
	minWait = 10 * time.Millisecond

	// MinQPS is the minimum allowed QPS.
	MinQPS = 0.1
)

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RateLimiter is a token bucket limiter for remote API calls. It is safe
// for concurrent use by all workers and supports adaptive throttling when
// the remote signals quota exhaustion.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64 // tokens per second
	baseRefillRate float64
	lastRefill     time.Time
	throttledUntil time.Time
}

// NewRateLimiter creates a limiter scaled to the given QPS.
// qps is clamped to a minimum of MinQPS.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if clk == nil {
		panic("gmail: RateLimiter requires a non-nil Clock")
	}
	if qps < MinQPS {
		qps = MinQPS
	}

	scale := qps / baselineQPS
	if scale > 1.0 {
		scale = 1.0
	}

	refillRate := DefaultRefillRate * scale
	return &RateLimiter{
		clock:          clk,
		tokens:         DefaultCapacity,
		capacity:       DefaultCapacity,
		refillRate:     refillRate,
		baseRefillRate: refillRate,
		lastRefill:     clk.Now(),
	}
}

// reserve acquires tokens for op, returning 0 on success or the duration
// to wait before retrying.
func (r *RateLimiter) reserve(op Operation) time.Duration {
	cost := float64(op.Cost())

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}

	r.refill()

	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}

	deficit := cost - r.tokens
	waitTime := time.Duration(deficit/r.refillRate*1000) * time.Millisecond
	if waitTime < minWait {
		waitTime = minWait
	}
	return waitTime
}

// Acquire blocks until the required tokens are available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		waitTime := r.reserve(op)
		if waitTime == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(waitTime):
		}
	}
}

// refill adds tokens based on elapsed time. Caller must hold the lock.
func (r *RateLimiter) refill() {
	now := r.clock.Now()

	if now.Before(r.throttledUntil) {
		r.lastRefill = now
		return
	}

	// Throttle expired: restore the base rate.
	if r.refillRate < r.baseRefillRate && !r.throttledUntil.IsZero() {
		r.refillRate = r.baseRefillRate
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}

// Available returns the current token count.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// Throttle drains the bucket and pauses refills for the given duration.
// Called when the remote returns 429 or a quota-exceeded 403.
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	end := now.Add(duration)

	// Never shorten an existing throttle window.
	if end.After(r.throttledUntil) {
		r.throttledUntil = end
	}

	// Prevent crediting elapsed time once the throttle expires.
	r.lastRefill = r.throttledUntil

	r.tokens = 0
	r.refillRate = r.baseRefillRate * throttleRecoveryFactor
}
