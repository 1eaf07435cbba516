package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// dayKeyLayout names a budget day in store keys.
const dayKeyLayout = "2006-01-02"

// spendKeyTTL keeps yesterday's total around for inspection after rollover.
const spendKeyTTL = 48 * time.Hour

// Store persists the running spend of each UTC day so a restart does not
// grant a fresh budget.
type Store interface {
	// Load returns the spend recorded for day.
	Load(ctx context.Context, day time.Time) (float64, error)
	// Add adds amount to day and returns the new total.
	Add(ctx context.Context, day time.Time, amount float64) (float64, error)
	// Name identifies the store in logs and metrics.
	Name() string
}

// MemoryStore keeps daily spend in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	spend map[string]float64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spend: make(map[string]float64)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, day time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[day.UTC().Format(dayKeyLayout)], nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, day time.Time, amount float64) (float64, error) {
	key := day.UTC().Format(dayKeyLayout)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[key] += amount
	return s.spend[key], nil
}

// Name implements Store.
func (s *MemoryStore) Name() string { return "memory" }

// RedisStore keeps daily spend in Redis, one key per UTC day, shared by
// every process pointed at the same server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store. Keys are prefix:YYYY-MM-DD.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tiergate:spend"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(day time.Time) string {
	return s.prefix + ":" + day.UTC().Format(dayKeyLayout)
}

// Load implements Store. A missing key is zero spend.
func (s *RedisStore) Load(ctx context.Context, day time.Time) (float64, error) {
	v, err := s.client.Get(ctx, s.key(day)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis spend store: load: %w", err)
	}
	return v, nil
}

// Add implements Store with INCRBYFLOAT and refreshes the key TTL.
func (s *RedisStore) Add(ctx context.Context, day time.Time, amount float64) (float64, error) {
	key := s.key(day)
	var incr *redis.FloatCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrByFloat(ctx, key, amount)
		pipe.Expire(ctx, key, spendKeyTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis spend store: add: %w", err)
	}
	return incr.Val(), nil
}

// Name implements Store.
func (s *RedisStore) Name() string { return "redis" }
