package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds the number of backend calls executing at once.
// It wraps a weighted semaphore and keeps an in-use counter for stats.
type Semaphore struct {
	sem      *semaphore.Weighted
	capacity int
	current  atomic.Int64
}

// NewSemaphore creates a new semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.current.Add(1)
	return true
}

// Acquire blocks until a slot is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.current.Add(1)
	return nil
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (s *Semaphore) Release() {
	for {
		cur := s.current.Load()
		if cur <= 0 {
			return
		}
		if s.current.CompareAndSwap(cur, cur-1) {
			s.sem.Release(1)
			return
		}
	}
}

// Current returns the number of slots in use.
func (s *Semaphore) Current() int {
	return int(s.current.Load())
}

// Capacity returns the semaphore capacity.
func (s *Semaphore) Capacity() int {
	return s.capacity
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return s.capacity - s.Current()
}
