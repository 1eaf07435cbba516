package tiergate

import (
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/tiergate/internal/budget"
	"github.com/blueberrycongee/tiergate/internal/resilience"
)

// NewMemorySpendStore returns a process-local spend store.
func NewMemorySpendStore() SpendStore {
	return budget.NewMemoryStore()
}

// NewRedisSpendStore returns a spend store shared through Redis. An empty
// prefix uses "tiergate:spend".
func NewRedisSpendStore(client redis.UniversalClient, prefix string) SpendStore {
	return budget.NewRedisStore(client, prefix)
}

// NewRedisLimiter returns a fixed-window cluster-wide limiter backed by
// Redis. An empty prefix uses "tiergate:ratelimit".
func NewRedisLimiter(client redis.UniversalClient, prefix string) DistributedLimiter {
	return resilience.NewRedisLimiter(client, prefix)
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return resilience.DefaultCircuitBreakerConfig()
}
