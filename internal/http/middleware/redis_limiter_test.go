package middleware

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T) (Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, "test:rl"), mr
}

func TestRedisLimiterEnforcesSharedWindow(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t)
	// Hour-long window so the test cannot straddle a window boundary.
	policy := newRateLimitPolicy(2, time.Hour, 1.0)
	ctx := t.Context()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "203.0.113.10", policy)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allow, got %+v err=%v", i+1, d, err)
		}
	}
	d, err := limiter.Allow(ctx, "203.0.113.10", policy)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.Reason != "window" || d.RetryAfter <= 0 {
		t.Fatalf("expected window denial, got %+v", d)
	}

	if d, _ := limiter.Allow(ctx, "198.51.100.9", policy); !d.Allowed {
		t.Fatal("keys must not share windows")
	}
}

func TestRedisLimiterWindowExpires(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t)
	policy := newRateLimitPolicy(1, time.Hour, 1.0)
	ctx := t.Context()

	if d, err := limiter.Allow(ctx, "key", policy); err != nil || !d.Allowed {
		t.Fatalf("first request: %+v err=%v", d, err)
	}
	if d, _ := limiter.Allow(ctx, "key", policy); d.Allowed {
		t.Fatal("expected denial within the window")
	}
	mr.FastForward(2 * time.Hour)
	if d, err := limiter.Allow(ctx, "key", policy); err != nil || !d.Allowed {
		t.Fatalf("expected fresh window after expiry, got %+v err=%v", d, err)
	}
}

func TestRedisLimiterSurfacesBackendErrors(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t)
	mr.Close()

	if _, err := limiter.Allow(t.Context(), "key", newRateLimitPolicy(1, time.Minute, 1.0)); err == nil {
		t.Fatal("expected error when the backend is unreachable")
	}
}
