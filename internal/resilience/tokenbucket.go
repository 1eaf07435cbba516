// Package resilience provides the rate, concurrency and failure-isolation
// primitives used by the admission controller and the gateway: a lazily
// refilled token bucket, a concurrency semaphore, per-backend circuit
// breakers and an optional cluster-wide request limiter.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"
)

// maxWaitStep caps a single sleep inside WaitFor.
const maxWaitStep = time.Second

// TokenBucket is a token bucket that refills lazily on every access based on
// elapsed wall-clock time. There is no background ticker.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
// capacity: maximum number of tokens the bucket can hold
// refillRate: tokens added per second
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate < 0 {
		refillRate = 0
	}
	return newTokenBucketWithClock(capacity, refillRate, time.Now)
}

// NewTokenBucketPerMinute creates a bucket refilling requestsPerMinute tokens
// per minute with the given burst capacity. burst <= 0 uses requestsPerMinute.
func NewTokenBucketPerMinute(requestsPerMinute, burst int) *TokenBucket {
	if burst <= 0 {
		burst = requestsPerMinute
	}
	return NewTokenBucket(float64(burst), float64(requestsPerMinute)/60.0)
}

func newTokenBucketWithClock(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

// Consume deducts n tokens if available. It never blocks.
func (b *TokenBucket) Consume(n float64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// WaitFor retries Consume until it succeeds, the timeout elapses or ctx is
// done. Each sleep is bounded by the time until n tokens are available, by
// maxWaitStep and by the remaining timeout.
func (b *TokenBucket) WaitFor(ctx context.Context, n float64, timeout time.Duration) bool {
	if n > b.capacity {
		return false
	}
	deadline := b.now().Add(timeout)

	for {
		if b.Consume(n) {
			return true
		}

		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			return false
		}

		step := b.timeUntil(n)
		if step > maxWaitStep {
			step = maxWaitStep
		}
		if step > remaining {
			step = remaining
		}
		if step <= 0 {
			step = time.Millisecond
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// timeUntil returns how long until n tokens will be available.
func (b *TokenBucket) timeUntil(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	missing := n - b.tokens
	if missing <= 0 {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

// refill adds tokens for the elapsed time. Caller must hold mu.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now

	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
}

// Tokens returns the current number of available tokens.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Capacity returns the bucket capacity.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

// Rate returns the refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	return b.refillRate
}
