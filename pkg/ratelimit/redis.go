package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The counter and its expiry are established atomically server-side: the
// increment that creates the key also sets the window TTL.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is a fixed-window limiter backed by a shared counter store.
// Store failures surface as errors; the callers decide the fail-open or
// fail-closed posture.
type RedisLimiter struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:  client,
		Prefix:  "rl:",
		Timeout: 5 * time.Second,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return Decision{}, fmt.Errorf("counter store not configured")
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// Deliberately not derived from the request context: an abandoned
	// request has already spent its increment, so the call runs to
	// completion on its own bounded deadline.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	res, err := rateLimitScript.Run(callCtx, l.Client, []string{l.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("counter store: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("counter store: unexpected script reply %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}
