package service

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisSessionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionCache(client, "test:session", time.Second), mr
}

func TestCachePutGetDelete(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := t.Context()

	s := &CachedSession{
		SessionID:  "sess-1",
		UserID:     7,
		Role:       "guest",
		AdminLevel: 0,
		TokenID:    "tok-1",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := cache.Put(ctx, s, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cache.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != 7 || got.TokenID != "tok-1" || got.Role != "guest" {
		t.Fatalf("unexpected cached session %+v", got)
	}

	if err := cache.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cache.Get(ctx, "sess-1"); !errors.Is(err, ErrSessionCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestCacheMissIsNotAnOutage(t *testing.T) {
	cache, _ := newTestCache(t)
	_, err := cache.Get(t.Context(), "absent")
	if !errors.Is(err, ErrSessionCacheMiss) {
		t.Fatalf("expected ErrSessionCacheMiss, got %v", err)
	}
	if errors.Is(err, ErrSessionCacheUnavailable) {
		t.Fatal("a miss must not look like an outage")
	}
}

func TestCacheEntryExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := t.Context()

	s := &CachedSession{SessionID: "sess-ttl", UserID: 1, ExpiresAt: time.Now().Add(time.Minute)}
	if err := cache.Put(ctx, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := cache.Get(ctx, "sess-ttl"); !errors.Is(err, ErrSessionCacheMiss) {
		t.Fatalf("expected expiry miss, got %v", err)
	}
}

func TestTokenRevocationMarkers(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := t.Context()

	// No marker.
	if _, revoked, err := cache.TokenRevocation(ctx, "tok-1"); err != nil || revoked {
		t.Fatalf("expected clean token, got revoked=%v err=%v", revoked, err)
	}

	// Rotation marker carries the superseding jti.
	if err := cache.MarkTokenRevoked(ctx, "tok-1", "tok-2", time.Hour); err != nil {
		t.Fatalf("mark rotated: %v", err)
	}
	superseded, revoked, err := cache.TokenRevocation(ctx, "tok-1")
	if err != nil || !revoked || superseded != "tok-2" {
		t.Fatalf("expected rotation marker, got superseded=%q revoked=%v err=%v", superseded, revoked, err)
	}

	// Plain revocation has no successor.
	if err := cache.MarkTokenRevoked(ctx, "tok-3", "", time.Hour); err != nil {
		t.Fatalf("mark revoked: %v", err)
	}
	superseded, revoked, err = cache.TokenRevocation(ctx, "tok-3")
	if err != nil || !revoked || superseded != "" {
		t.Fatalf("expected bare revocation, got superseded=%q revoked=%v err=%v", superseded, revoked, err)
	}
}

func TestNilClientReportsUnavailable(t *testing.T) {
	cache := NewRedisSessionCache(nil, "", 0)
	ctx := t.Context()

	if err := cache.Put(ctx, &CachedSession{SessionID: "s"}, time.Minute); !errors.Is(err, ErrSessionCacheUnavailable) {
		t.Fatalf("put: expected unavailable, got %v", err)
	}
	if _, err := cache.Get(ctx, "s"); !errors.Is(err, ErrSessionCacheUnavailable) {
		t.Fatalf("get: expected unavailable, got %v", err)
	}
	if err := cache.Delete(ctx, "s"); !errors.Is(err, ErrSessionCacheUnavailable) {
		t.Fatalf("delete: expected unavailable, got %v", err)
	}
	if err := cache.MarkTokenRevoked(ctx, "t", "", time.Minute); !errors.Is(err, ErrSessionCacheUnavailable) {
		t.Fatalf("mark: expected unavailable, got %v", err)
	}
	if _, _, err := cache.TokenRevocation(ctx, "t"); !errors.Is(err, ErrSessionCacheUnavailable) {
		t.Fatalf("revocation: expected unavailable, got %v", err)
	}
}

func TestUnreachableServerReportsUnavailable(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	if _, err := cache.Get(t.Context(), "sess-1"); !errors.Is(err, ErrSessionCacheUnavailable) {
		t.Fatalf("expected unavailable after server loss, got %v", err)
	}
}
