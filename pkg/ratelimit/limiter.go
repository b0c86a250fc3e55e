// Package ratelimit caps verification traffic per client with fixed windows,
// shared through Redis when one is configured.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call. Count includes the call itself.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

// InMemoryLimiter counts hits per key in the current process only.
type InMemoryLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	counters  map[string]counter
	lastSweep time.Time
	clock     func() time.Time
}

type counter struct {
	hits    int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, counters: map[string]counter{}}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	now := time.Now().UTC()
	if l.clock != nil {
		now = l.clock().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.window {
		for k, c := range l.counters {
			if now.After(c.resetAt) {
				delete(l.counters, k)
			}
		}
		l.lastSweep = now
	}
	c, ok := l.counters[key]
	if !ok || now.After(c.resetAt) {
		c = counter{resetAt: now.Add(l.window)}
	}
	c.hits++
	l.counters[key] = c
	return decide(c.hits, limit, c.resetAt)
}
