package resilience

import (
	"context"
	"time"
)

// Descriptor names a cluster-wide request budget, e.g. all admissions of one
// deployment sharing a requests-per-minute ceiling.
type Descriptor struct {
	Key    string        // e.g. "tiergate:admission"
	Limit  int64         // requests allowed per window
	Window time.Duration // window size, default 1m
}

// LimitResult is the outcome of one distributed check.
type LimitResult struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetAt   time.Time
}

// DistributedLimiter counts admissions across every process sharing a backend
// store. The admission controller treats errors as fail-open.
type DistributedLimiter interface {
	// CheckAllow atomically increments the descriptor's counter and reports
	// whether the request fits within the limit.
	CheckAllow(ctx context.Context, desc Descriptor) (LimitResult, error)
}
