package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stayflow/stayflow-backend/internal/observability"
)

// ErrSessionCacheUnavailable marks the fast store as unreachable or
// unconfigured. It is never fatal: the registry degrades to
// durable-only mode when it sees this error.
var ErrSessionCacheUnavailable = errors.New("session cache unavailable")

// ErrSessionCacheMiss distinguishes an absent key from an outage.
var ErrSessionCacheMiss = errors.New("session cache miss")

// CachedSession is the fast-store representation of a live session,
// holding only what existence and validity checks need.
type CachedSession struct {
	SessionID         string    `json:"session_id"`
	UserID            uint      `json:"user_id"`
	Role              string    `json:"role"`
	AdminLevel        int       `json:"admin_level"`
	TokenID           string    `json:"token_id"`
	DeviceFingerprint string    `json:"dfp"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// SessionCache is the fast half of the session registry. All methods
// carry bounded timeouts so an unreachable store degrades instead of
// hanging the request.
type SessionCache interface {
	Put(ctx context.Context, s *CachedSession, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*CachedSession, error)
	Delete(ctx context.Context, sessionID string) error
	MarkTokenRevoked(ctx context.Context, tokenID, supersededBy string, ttl time.Duration) error
	TokenRevocation(ctx context.Context, tokenID string) (supersededBy string, revoked bool, err error)
}

type RedisSessionCache struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisSessionCache(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisSessionCache {
	if prefix == "" {
		prefix = "session"
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisSessionCache{client: client, prefix: prefix, timeout: timeout}
}

func (c *RedisSessionCache) Put(ctx context.Context, s *CachedSession, ttl time.Duration) error {
	if c.client == nil {
		return ErrSessionCacheUnavailable
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, c.sessionKey(s.SessionID), payload, ttl).Err(); err != nil {
		observability.RecordSessionCacheOperation(ctx, "put", "error")
		return errors.Join(ErrSessionCacheUnavailable, err)
	}
	observability.RecordSessionCacheOperation(ctx, "put", "success")
	return nil
}

func (c *RedisSessionCache) Get(ctx context.Context, sessionID string) (*CachedSession, error) {
	if c.client == nil {
		return nil, ErrSessionCacheUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.client.Get(ctx, c.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		observability.RecordSessionCacheOperation(ctx, "get", "miss")
		return nil, ErrSessionCacheMiss
	}
	if err != nil {
		observability.RecordSessionCacheOperation(ctx, "get", "error")
		return nil, errors.Join(ErrSessionCacheUnavailable, err)
	}
	var s CachedSession
	if err := json.Unmarshal(raw, &s); err != nil {
		observability.RecordSessionCacheOperation(ctx, "get", "corrupt")
		return nil, ErrSessionCacheMiss
	}
	observability.RecordSessionCacheOperation(ctx, "get", "hit")
	return &s, nil
}

func (c *RedisSessionCache) Delete(ctx context.Context, sessionID string) error {
	if c.client == nil {
		return ErrSessionCacheUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Del(ctx, c.sessionKey(sessionID)).Err(); err != nil {
		observability.RecordSessionCacheOperation(ctx, "delete", "error")
		return errors.Join(ErrSessionCacheUnavailable, err)
	}
	observability.RecordSessionCacheOperation(ctx, "delete", "success")
	return nil
}

// MarkTokenRevoked writes the revocation marker for a jti. The marker
// value records the superseding jti ("revoked" when there is none) and
// lives as long as the token could otherwise still be replayed.
func (c *RedisSessionCache) MarkTokenRevoked(ctx context.Context, tokenID, supersededBy string, ttl time.Duration) error {
	if c.client == nil {
		return ErrSessionCacheUnavailable
	}
	value := supersededBy
	if value == "" {
		value = "revoked"
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, c.revokedKey(tokenID), value, ttl).Err(); err != nil {
		observability.RecordSessionCacheOperation(ctx, "mark_revoked", "error")
		return errors.Join(ErrSessionCacheUnavailable, err)
	}
	observability.RecordSessionCacheOperation(ctx, "mark_revoked", "success")
	return nil
}

func (c *RedisSessionCache) TokenRevocation(ctx context.Context, tokenID string) (string, bool, error) {
	if c.client == nil {
		return "", false, ErrSessionCacheUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	value, err := c.client.Get(ctx, c.revokedKey(tokenID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Join(ErrSessionCacheUnavailable, err)
	}
	if value == "revoked" {
		return "", true, nil
	}
	return value, true, nil
}

func (c *RedisSessionCache) sessionKey(sessionID string) string {
	return c.prefix + ":id:" + sessionID
}

func (c *RedisSessionCache) revokedKey(tokenID string) string {
	return c.prefix + ":revoked:" + tokenID
}
