package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// exerciseWindow drives a limit of two through one full window. advance moves
// the limiter's notion of time past the window.
func exerciseWindow(t *testing.T, lim Limiter, advance func()) {
	t.Helper()
	ctx := context.Background()
	const key = "verify:203.0.113.5"
	want := []struct {
		allowed          bool
		count, remaining int
	}{
		{true, 1, 1},
		{true, 2, 0},
		{false, 3, 0},
	}
	for i, w := range want {
		d := lim.Allow(ctx, key, 2)
		if d.Allowed != w.allowed || d.Count != w.count || d.Remaining != w.remaining || d.Limit != 2 {
			t.Fatalf("call %d: got %+v", i+1, d)
		}
	}
	if other := lim.Allow(ctx, "verify:198.51.100.1", 2); !other.Allowed || other.Count != 1 {
		t.Fatalf("keys must not share a window: %+v", other)
	}
	advance()
	if d := lim.Allow(ctx, key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
}

func TestInMemoryLimiterWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lim := NewInMemory(50 * time.Millisecond)
	lim.clock = func() time.Time { return now }
	exerciseWindow(t, lim, func() { now = now.Add(70 * time.Millisecond) })
}

func TestRedisLimiterWindow(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exerciseWindow(t, NewRedis(client, 25*time.Millisecond), func() { mr.FastForward(30 * time.Millisecond) })
}

func TestInMemoryLimiterDefaults(t *testing.T) {
	t.Parallel()
	lim := NewInMemory(0)
	if lim.window != time.Minute {
		t.Fatalf("default window: got %v", lim.window)
	}
	if d := lim.Allow(context.Background(), "k", 0); !d.Allowed || d.Limit != 1 {
		t.Fatalf("non-positive limit should clamp to 1: %+v", d)
	}
}

func TestInMemoryLimiterSweepsExpiredKeys(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lim := NewInMemory(time.Second)
	lim.clock = func() time.Time { return now }
	ctx := context.Background()
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		lim.Allow(ctx, "verify:"+ip, 5)
	}
	now = now.Add(2 * time.Second)
	lim.Allow(ctx, "verify:10.0.0.9", 5)
	if n := len(lim.counters); n != 1 {
		t.Fatalf("expected expired counters swept, %d left", n)
	}
}

func TestRedisLimiterDegrades(t *testing.T) {
	t.Parallel()
	down := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = down.Close() })
	ctx := context.Background()

	lim := NewRedis(down, time.Second)
	if d := lim.Allow(ctx, "verify:u1", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("fallback should admit the first call: %+v", d)
	}
	if d := lim.Allow(ctx, "verify:u1", 1); d.Allowed {
		t.Fatalf("fallback should enforce the limit: %+v", d)
	}

	lim.Fallback = nil
	if d := lim.Allow(ctx, "verify:u2", 2); !d.Allowed || d.Count != 0 || d.Limit != 2 {
		t.Fatalf("no fallback should fail open: %+v", d)
	}

	var nilClient RedisLimiter
	if d := nilClient.Allow(ctx, "verify:u3", 3); !d.Allowed {
		t.Fatalf("nil client should fail open: %+v", d)
	}
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	orig := rateLimitScript
	rateLimitScript = redis.NewScript(`return "bad-value"`)
	t.Cleanup(func() { rateLimitScript = orig })

	lim := &RedisLimiter{Client: client, Window: 100 * time.Millisecond, Prefix: "rl:"}
	if d := lim.Allow(context.Background(), "verify:u1", 5); !d.Allowed || d.Count != 0 || d.Limit != 5 {
		t.Fatalf("malformed script reply should fail open: %+v", d)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	cases := []struct {
		remote, xff string
		trust       bool
		want        string
	}{
		{"10.1.2.3:5555", "203.0.113.9, 10.0.0.1", false, "10.1.2.3"},
		{"10.1.2.3:5555", "203.0.113.9, 10.0.0.1", true, "203.0.113.9"},
		{"10.1.2.3:5555", "", true, "10.1.2.3"},
		{"pipe", "", false, "pipe"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/evidence/verify", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := ClientIP(req, tc.trust); got != tc.want {
			t.Fatalf("ClientIP(%q, xff=%q, trust=%v) = %q, want %q", tc.remote, tc.xff, tc.trust, got, tc.want)
		}
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Middleware(NewInMemory(time.Minute), "verify", 1, false)(ok)
	var codes []int
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/v1/evidence/verify", nil)
		req.RemoteAddr = "10.0.0.7:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if rr.Header().Get("X-RateLimit-Limit") != "1" {
			t.Fatalf("missing limit header: %v", rr.Header())
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("status codes: %v", codes)
	}
}
