package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter of the current window and sets
// its expiry on first use. Returns the new count.
const fixedWindowScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`

// RedisLimiter implements DistributedLimiter with a fixed-window counter per
// descriptor stored in Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter on client. Keys are namespaced by prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "tiergate:ratelimit"
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
		now:    time.Now,
	}
}

// CheckAllow increments the counter for the window containing now.
func (r *RedisLimiter) CheckAllow(ctx context.Context, desc Descriptor) (LimitResult, error) {
	window := desc.Window
	if window <= 0 {
		window = time.Minute
	}

	now := r.now()
	start := now.Truncate(window)
	// hash tag keeps every window of a descriptor on one cluster slot
	key := fmt.Sprintf("%s:{%s}:%d", r.prefix, desc.Key, start.Unix())

	current, err := r.script.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return LimitResult{}, fmt.Errorf("redis limiter: %w", err)
	}

	remaining := desc.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	return LimitResult{
		Allowed:   current <= desc.Limit,
		Current:   current,
		Remaining: remaining,
		ResetAt:   start.Add(window),
	}, nil
}
