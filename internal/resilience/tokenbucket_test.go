package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic refill tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestNewTokenBucket(t *testing.T) {
	b := NewTokenBucket(10, 2)

	if b.Capacity() != 10 {
		t.Errorf("Capacity() = %v, want 10", b.Capacity())
	}
	if b.Rate() != 2 {
		t.Errorf("Rate() = %v, want 2", b.Rate())
	}
	if b.Tokens() != 10 {
		t.Errorf("Tokens() = %v, want 10 (starts full)", b.Tokens())
	}
}

func TestNewTokenBucketPerMinute(t *testing.T) {
	b := NewTokenBucketPerMinute(120, 0)
	assert.Equal(t, 120.0, b.Capacity())
	assert.InDelta(t, 2.0, b.Rate(), 1e-9)

	b = NewTokenBucketPerMinute(60, 5)
	assert.Equal(t, 5.0, b.Capacity())
	assert.InDelta(t, 1.0, b.Rate(), 1e-9)
}

func TestTokenBucket_Consume(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucketWithClock(3, 1, clock.Now)

	assert.True(t, b.Consume(1))
	assert.True(t, b.Consume(2))
	assert.False(t, b.Consume(1), "bucket should be empty")

	clock.Advance(500 * time.Millisecond)
	assert.False(t, b.Consume(1), "half a token is not enough")

	clock.Advance(500 * time.Millisecond)
	assert.True(t, b.Consume(1))
}

func TestTokenBucket_Conservation(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucketWithClock(5, 2, clock.Now)

	steps := []struct {
		advance time.Duration
		consume float64
	}{
		{0, 3}, {0, 3}, {time.Second, 1}, {10 * time.Second, 0},
		{0, 5}, {250 * time.Millisecond, 1}, {time.Hour, 2}, {0, 4},
	}

	for i, s := range steps {
		clock.Advance(s.advance)
		b.Consume(s.consume)
		tokens := b.Tokens()
		require.GreaterOrEqualf(t, tokens, 0.0, "step %d: tokens went negative", i)
		require.LessOrEqualf(t, tokens, b.Capacity(), "step %d: tokens exceeded capacity", i)
	}
}

func TestTokenBucket_RefillToCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucketWithClock(4, 2, clock.Now)

	require.True(t, b.Consume(4))
	require.False(t, b.Consume(1))

	// capacity/refillRate seconds with no consumption refills the bucket.
	clock.Advance(2 * time.Second)
	assert.True(t, b.Consume(4))

	// Idle time past a full bucket does not accumulate.
	clock.Advance(time.Hour)
	assert.Equal(t, 4.0, b.Tokens())
}

func TestTokenBucket_WaitFor(t *testing.T) {
	b := NewTokenBucket(1, 50)
	require.True(t, b.Consume(1))

	start := time.Now()
	ok := b.WaitFor(context.Background(), 1, time.Second)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTokenBucket_WaitForTimeout(t *testing.T) {
	b := NewTokenBucket(1, 0.1)
	require.True(t, b.Consume(1))

	start := time.Now()
	ok := b.WaitFor(context.Background(), 1, 50*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "sleep must be bounded by the remaining timeout")
}

func TestTokenBucket_WaitForExceedsCapacity(t *testing.T) {
	b := NewTokenBucket(2, 100)

	start := time.Now()
	assert.False(t, b.WaitFor(context.Background(), 3, time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTokenBucket_WaitForContextCancelled(t *testing.T) {
	b := NewTokenBucket(1, 0.01)
	require.True(t, b.Consume(1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	assert.False(t, b.WaitFor(ctx, 1, 5*time.Second))
}

func TestTokenBucket_ConcurrentConsume(t *testing.T) {
	b := NewTokenBucket(100, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if b.Consume(1) {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, granted)
	assert.Equal(t, 0.0, b.Tokens())
}
