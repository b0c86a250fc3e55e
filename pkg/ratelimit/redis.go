package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// rateLimitScript increments the window counter and returns {count, pttl}.
var rateLimitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares window counters between trustd replicas. While Redis is
// unreachable it limits through Fallback, or lets traffic through when
// Fallback is nil.
type RedisLimiter struct {
	Client   redis.UniversalClient
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
}

func NewRedis(client redis.UniversalClient, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	count, ttl, err := l.incr(ctx, key)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("ratelimit_redis_unavailable")
		if l.Fallback != nil {
			return l.Fallback.Allow(ctx, key, limit)
		}
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
	}
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(count, limit, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) incr(ctx context.Context, key string) (int, time.Duration, error) {
	if l.Client == nil {
		return 0, 0, redis.ErrClosed
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	vals, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) < 2 {
		return 0, 0, redis.Nil
	}
	return int(vals[0]), time.Duration(vals[1]) * time.Millisecond, nil
}
