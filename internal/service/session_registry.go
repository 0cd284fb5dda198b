package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/repository"
)

// TokenState classifies a refresh token's server-side lifecycle.
type TokenState int

const (
	TokenStateUnknown TokenState = iota
	TokenStateActive
	TokenStateRotated
	TokenStateRevoked
)

// SessionRegistry tracks sessions across two independent write
// targets: the redis cache for low-latency checks and the durable log
// for audit and fallback. The two are not kept transactionally
// consistent; the durable log is the one that must survive.
type SessionRegistry struct {
	cache  SessionCache
	logs   repository.SessionLogRepository
	logger *slog.Logger
}

func NewSessionRegistry(cache SessionCache, logs repository.SessionLogRepository, logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{cache: cache, logs: logs, logger: logger}
}

// CreateSession appends the durable row and primes the cache. A cache
// failure is logged and absorbed; a durable failure fails the call
// because the audit trail is not optional.
func (r *SessionRegistry) CreateSession(ctx context.Context, log *domain.SessionLog) error {
	if err := r.logs.Append(log); err != nil {
		return err
	}
	cached := cachedFromLog(log)
	if err := r.cache.Put(ctx, cached, time.Until(log.ExpiresAt)); err != nil {
		r.logger.WarnContext(ctx, "session cache write failed",
			"session_id", observability.TruncateID(log.SessionID), "error", err)
		observability.RecordSessionCacheFallback("create")
	}
	return nil
}

// GetSession checks the cache first and falls back to the durable log.
// Cache eviction is not an error: an open, unexpired durable row is
// authoritative.
func (r *SessionRegistry) GetSession(ctx context.Context, sessionID string) (*CachedSession, error) {
	cached, err := r.cache.Get(ctx, sessionID)
	if err == nil {
		if cached.ExpiresAt.After(time.Now()) {
			return cached, nil
		}
		return nil, repository.ErrSessionNotFound
	}
	if errors.Is(err, ErrSessionCacheUnavailable) {
		observability.RecordSessionCacheFallback("get")
	}
	row, err := r.logs.FindOpenBySessionID(sessionID)
	if err != nil {
		return nil, err
	}
	return cachedFromLog(row), nil
}

// TokenState resolves the lifecycle state of a jti. The cache
// revocation set answers first; the durable row is consulted when the
// cache is unreachable or holds no marker, because markers can be
// evicted while the durable close survives.
func (r *SessionRegistry) TokenState(ctx context.Context, tokenID string) (TokenState, *domain.SessionLog, error) {
	supersededBy, revoked, err := r.cache.TokenRevocation(ctx, tokenID)
	if err != nil {
		observability.RecordSessionCacheFallback("token_state")
	} else if revoked {
		row, _ := r.logs.FindByTokenID(tokenID)
		if supersededBy != "" {
			return TokenStateRotated, row, nil
		}
		return TokenStateRevoked, row, nil
	}

	row, err := r.logs.FindByTokenID(tokenID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return TokenStateUnknown, nil, nil
		}
		return TokenStateUnknown, nil, err
	}
	if row.LogoutAt == nil {
		return TokenStateActive, row, nil
	}
	if row.LogoutReason != nil && *row.LogoutReason == "rotated" {
		return TokenStateRotated, row, nil
	}
	return TokenStateRevoked, row, nil
}

// RotateSession performs the revoke-old/create-new step of §rotation.
// The old jti is marked revoked in the cache before the durable swap so
// a concurrently replayed token sees the marker before the caller ever
// receives the new pair. Exactly one concurrent rotation wins the
// durable transaction; losers get ErrSessionNotFound.
func (r *SessionRegistry) RotateSession(ctx context.Context, oldTokenID, presentedSessionID string, newLog *domain.SessionLog) (*domain.SessionLog, error) {
	markerTTL := time.Until(newLog.ExpiresAt)
	if newLog.TokenID != nil {
		if err := r.cache.MarkTokenRevoked(ctx, oldTokenID, *newLog.TokenID, markerTTL); err != nil {
			r.logger.WarnContext(ctx, "revocation marker write failed, durable-only rotation",
				"token_id", observability.TruncateID(oldTokenID), "error", err)
			observability.RecordSessionCacheFallback("rotate")
		}
	}

	old, err := r.logs.RotateLog(oldTokenID, newLog)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Delete(ctx, old.SessionID); err != nil {
		r.logger.WarnContext(ctx, "stale session cache entry not deleted",
			"session_id", observability.TruncateID(old.SessionID), "error", err)
	}
	if err := r.cache.Put(ctx, cachedFromLog(newLog), time.Until(newLog.ExpiresAt)); err != nil {
		r.logger.WarnContext(ctx, "session cache write failed",
			"session_id", observability.TruncateID(newLog.SessionID), "error", err)
		observability.RecordSessionCacheFallback("rotate")
	}

	// A stale session cookie may reference a different session than the
	// one the rotated token belonged to; close it too.
	if presentedSessionID != "" && presentedSessionID != old.SessionID && presentedSessionID != newLog.SessionID {
		if _, err := r.logs.CloseBySessionID(presentedSessionID, "superseded"); err != nil {
			r.logger.WarnContext(ctx, "superseded session close failed",
				"session_id", observability.TruncateID(presentedSessionID), "error", err)
		}
		_ = r.cache.Delete(ctx, presentedSessionID)
	}
	return old, nil
}

// CloseSession terminates one session in both stores.
func (r *SessionRegistry) CloseSession(ctx context.Context, sessionID, tokenID, reason string, markerTTL time.Duration) error {
	if tokenID != "" {
		if err := r.cache.MarkTokenRevoked(ctx, tokenID, "", markerTTL); err != nil {
			observability.RecordSessionCacheFallback("close")
		}
	}
	if err := r.cache.Delete(ctx, sessionID); err != nil {
		observability.RecordSessionCacheFallback("close")
	}
	if _, err := r.logs.CloseBySessionID(sessionID, reason); err != nil {
		return err
	}
	if tokenID != "" {
		if err := r.logs.CloseByTokenID(tokenID, reason); err != nil {
			return err
		}
	}
	return nil
}

// CloseOwnedSession closes one session after confirming it belongs to
// the user. A foreign session id reports ErrSessionNotFound so the
// caller cannot probe other users' session ids.
func (r *SessionRegistry) CloseOwnedSession(ctx context.Context, userID uint, sessionID, reason string, markerTTL time.Duration) error {
	row, err := r.logs.FindOpenBySessionID(sessionID)
	if err != nil {
		return err
	}
	if row.UserID != userID {
		return repository.ErrSessionNotFound
	}
	tokenID := ""
	if row.TokenID != nil {
		tokenID = *row.TokenID
	}
	return r.CloseSession(ctx, sessionID, tokenID, reason, markerTTL)
}

// CloseAllExcept terminates every open session of one user apart from
// the one given, returning how many were closed.
func (r *SessionRegistry) CloseAllExcept(ctx context.Context, userID uint, exceptSessionID, reason string, markerTTL time.Duration) (int64, error) {
	rows, err := r.logs.ListActiveByUserID(userID)
	if err != nil {
		return 0, err
	}
	var closed int64
	for _, row := range rows {
		if row.SessionID == exceptSessionID {
			continue
		}
		tokenID := ""
		if row.TokenID != nil {
			tokenID = *row.TokenID
		}
		if err := r.CloseSession(ctx, row.SessionID, tokenID, reason, markerTTL); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// RevokeFamily closes every open session descending from one refresh
// token family and poisons their cache markers. Used when reuse of a
// rotated token signals theft.
func (r *SessionRegistry) RevokeFamily(ctx context.Context, familyID, reason string, markerTTL time.Duration) (int64, error) {
	rows, err := r.logs.ListOpenByFamilyID(familyID)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if row.TokenID != nil {
			if err := r.cache.MarkTokenRevoked(ctx, *row.TokenID, "", markerTTL); err != nil {
				observability.RecordSessionCacheFallback("revoke_family")
			}
		}
		_ = r.cache.Delete(ctx, row.SessionID)
	}
	return r.logs.CloseByFamilyID(familyID, reason)
}

// CloseAllForUser terminates every open session of one user.
func (r *SessionRegistry) CloseAllForUser(ctx context.Context, userID uint, reason string, markerTTL time.Duration) (int64, error) {
	rows, err := r.logs.ListActiveByUserID(userID)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if row.TokenID != nil {
			if err := r.cache.MarkTokenRevoked(ctx, *row.TokenID, "", markerTTL); err != nil {
				observability.RecordSessionCacheFallback("close_all")
			}
		}
		_ = r.cache.Delete(ctx, row.SessionID)
	}
	return r.logs.CloseByUserID(userID, reason)
}

// SessionView is the user-facing shape of one session row.
type SessionView struct {
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	LogoutAt  *time.Time `json:"logout_at,omitempty"`
	UserAgent string     `json:"user_agent"`
	IP        string     `json:"ip"`
	IsCurrent bool       `json:"is_current"`
}

func (r *SessionRegistry) ListActiveSessions(userID uint, currentSessionID string) ([]SessionView, error) {
	rows, err := r.logs.ListActiveByUserID(userID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, SessionView{
			SessionID: row.SessionID,
			CreatedAt: row.CreatedAt,
			ExpiresAt: row.ExpiresAt,
			LogoutAt:  row.LogoutAt,
			UserAgent: row.UserAgent,
			IP:        row.IP,
			IsCurrent: row.SessionID == currentSessionID,
		})
	}
	return views, nil
}

func cachedFromLog(log *domain.SessionLog) *CachedSession {
	tokenID := ""
	if log.TokenID != nil {
		tokenID = *log.TokenID
	}
	return &CachedSession{
		SessionID:         log.SessionID,
		UserID:            log.UserID,
		Role:              log.Role,
		AdminLevel:        log.AdminLevel,
		TokenID:           tokenID,
		DeviceFingerprint: log.DeviceFingerprint,
		ExpiresAt:         log.ExpiresAt,
	}
}
