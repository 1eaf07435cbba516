// Package admission gates execution of backend calls behind a request-rate
// token bucket, a bounded priority queue and a concurrency limit.
package admission

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// Priority orders queued work. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Payload is the work executed once a queued item is dispatched.
type Payload func(ctx context.Context) (any, error)

// item states; transitions out of statePending happen exactly once.
const (
	statePending int32 = iota
	stateDispatched
	stateTimedOut
	stateCancelled
)

type outcome struct {
	value any
	err   error
}

// Item is one queued request.
type Item struct {
	ID         string
	Priority   Priority
	EnqueuedAt time.Time
	Deadline   time.Time

	seq   uint64
	index int
	ctx   context.Context
	fn    Payload
	state atomic.Int32
	done  chan outcome
}

func newItem(ctx context.Context, id string, p Priority, now time.Time, timeout time.Duration, fn Payload) *Item {
	return &Item{
		ID:         id,
		Priority:   p,
		EnqueuedAt: now,
		Deadline:   now.Add(timeout),
		ctx:        ctx,
		index:      -1,
		fn:         fn,
		done:       make(chan outcome, 1),
	}
}

// transition moves the item out of pending. It reports false if another
// party already resolved or dispatched it.
func (it *Item) transition(to int32) bool {
	return it.state.CompareAndSwap(statePending, to)
}

// resolve delivers the final outcome. done is buffered so it never blocks.
func (it *Item) resolve(v any, err error) {
	it.done <- outcome{value: v, err: err}
}

// itemHeap orders by priority desc, then insertion order asc.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a bounded priority queue of pending items.
type Queue struct {
	mu      sync.Mutex
	items   itemHeap
	maxSize int
	nextSeq uint64
	ready   chan struct{}
}

// NewQueue creates a queue holding at most maxSize items.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Queue{
		maxSize: maxSize,
		ready:   make(chan struct{}, 1),
	}
}

// Push enqueues it, or fails with a queue-full error when at capacity.
func (q *Queue) Push(it *Item) error {
	q.mu.Lock()
	if len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return tgerrors.NewQueueFull(q.maxSize)
	}
	it.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, it)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.AdmissionQueueDepth.Set(float64(depth))
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the head, or nil when empty.
func (q *Queue) Pop() *Item {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	it := heap.Pop(&q.items).(*Item)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.AdmissionQueueDepth.Set(float64(depth))
	return it
}

// Remove takes it out of the queue if it is still queued. It reports whether
// the item was removed.
func (q *Queue) Remove(it *Item) bool {
	q.mu.Lock()
	if it.index < 0 || it.index >= len(q.items) || q.items[it.index] != it {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.items, it.index)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.AdmissionQueueDepth.Set(float64(depth))
	return true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after every successful Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued item in dispatch order.
func (q *Queue) Drain() []*Item {
	q.mu.Lock()
	out := make([]*Item, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*Item))
	}
	q.mu.Unlock()

	metrics.AdmissionQueueDepth.Set(0)
	return out
}
