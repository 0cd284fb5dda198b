package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
)

var (
	ErrInvalidRefreshToken       = errors.New("invalid refresh token")
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")
)

// RequestMeta captures the request-origin signals recorded with every
// session.
type RequestMeta struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

// TokenPair is the result of issuance or rotation.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenID      string
	SessionID    string
	CSRFToken    string
	ExpiresIn    int64

	// FingerprintMismatch reports that the presented refresh token was
	// minted for a different device fingerprint. Soft signal: callers
	// audit it, they do not reject on it.
	FingerprintMismatch bool
}

// TokenService orchestrates the token codec and the session registry
// for issuance, rotation and revocation.
type TokenService struct {
	jwtMgr     *security.JWTManager
	registry   *SessionRegistry
	users      repository.UserRepository
	csrfSecret string
	logger     *slog.Logger
}

// NewTokenService wires the codec, registry and credential store. A
// non-empty csrfSecret upgrades issued CSRF tokens to the HMAC-signed
// form so the renewal endpoint can check integrity server side.
func NewTokenService(jwtMgr *security.JWTManager, registry *SessionRegistry, users repository.UserRepository, csrfSecret string, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{jwtMgr: jwtMgr, registry: registry, users: users, csrfSecret: csrfSecret, logger: logger}
}

func (s *TokenService) newCSRFValue() (string, error) {
	if s.csrfSecret != "" {
		return security.NewSignedCSRFToken(s.csrfSecret)
	}
	return security.NewCSRFToken()
}

// Issue mints a fresh token pair and records the session. The new
// refresh token starts its own family: family id equals its jti.
func (s *TokenService) Issue(ctx context.Context, user *domain.User, meta RequestMeta) (*TokenPair, error) {
	csrf, err := s.newCSRFValue()
	if err != nil {
		return nil, err
	}
	refresh, jti, err := s.jwtMgr.IssueRefreshToken(user.ID, meta.DeviceFingerprint, csrf)
	if err != nil {
		return nil, err
	}
	access, err := s.jwtMgr.IssueAccessToken(user.ID, user.Role, user.AdminLevel, meta.DeviceFingerprint)
	if err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	log := &domain.SessionLog{
		SessionID:         sessionID,
		UserID:            user.ID,
		Role:              user.Role,
		AdminLevel:        user.AdminLevel,
		TokenID:           &jti,
		FamilyID:          &jti,
		IP:                meta.IP,
		UserAgent:         meta.UserAgent,
		DeviceFingerprint: meta.DeviceFingerprint,
		ExpiresAt:         time.Now().Add(s.jwtMgr.RefreshTTL()),
	}
	if err := s.registry.CreateSession(ctx, log); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenID:      jti,
		SessionID:    sessionID,
		CSRFToken:    csrf,
		ExpiresIn:    int64(s.jwtMgr.AccessTTL() / time.Second),
	}, nil
}

// Rotate exchanges a presented refresh token for a new pair. The old
// jti is revoked before the new pair is returned; presenting an
// already-rotated or revoked jti revokes its entire family and fails
// with ErrRefreshTokenReuseDetected.
func (s *TokenService) Rotate(ctx context.Context, refreshToken, csrfToken, presentedSessionID string, meta RequestMeta) (*TokenPair, error) {
	decoded, err := s.jwtMgr.DecodeUnverified(refreshToken)
	if err != nil || decoded.ID == "" {
		return nil, ErrInvalidRefreshToken
	}

	state, stateRow, err := s.registry.TokenState(ctx, decoded.ID)
	if err != nil {
		return nil, err
	}
	if state == TokenStateRotated || state == TokenStateRevoked {
		return nil, s.handleReuse(ctx, decoded.ID, stateRow)
	}
	if state == TokenStateUnknown {
		return nil, ErrInvalidRefreshToken
	}

	if s.csrfSecret != "" && csrfToken != "" && !security.VerifySignedCSRFToken(csrfToken, s.csrfSecret) {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := s.jwtMgr.VerifyRefreshToken(refreshToken, csrfToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	// The unverified decode only targeted a state lookup; require the
	// verified claims to agree before any of that state is acted on.
	if claims.ID != decoded.ID || claims.Subject != decoded.Subject {
		return nil, ErrInvalidRefreshToken
	}
	userID, err := parseUserID(claims.Subject)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	user, err := s.users.FindByID(userID)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	if !user.IsActive {
		return nil, ErrInvalidRefreshToken
	}

	mismatch := meta.DeviceFingerprint != "" && claims.DeviceFingerprint != "" &&
		claims.DeviceFingerprint != meta.DeviceFingerprint

	csrf, err := s.newCSRFValue()
	if err != nil {
		return nil, err
	}
	newRefresh, newJti, err := s.jwtMgr.IssueRefreshToken(user.ID, meta.DeviceFingerprint, csrf)
	if err != nil {
		return nil, err
	}
	access, err := s.jwtMgr.IssueAccessToken(user.ID, user.Role, user.AdminLevel, meta.DeviceFingerprint)
	if err != nil {
		return nil, err
	}

	familyID := decoded.ID
	if stateRow != nil && stateRow.FamilyID != nil && *stateRow.FamilyID != "" {
		familyID = *stateRow.FamilyID
	}
	oldJti := decoded.ID
	newSessionID := uuid.NewString()
	newLog := &domain.SessionLog{
		SessionID:         newSessionID,
		UserID:            user.ID,
		Role:              user.Role,
		AdminLevel:        user.AdminLevel,
		TokenID:           &newJti,
		FamilyID:          &familyID,
		ParentTokenID:     &oldJti,
		IP:                meta.IP,
		UserAgent:         meta.UserAgent,
		DeviceFingerprint: meta.DeviceFingerprint,
		ExpiresAt:         time.Now().Add(s.jwtMgr.RefreshTTL()),
	}

	old, err := s.registry.RotateSession(ctx, oldJti, presentedSessionID, newLog)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// Lost a concurrent rotation of the same token. The winner
			// already revoked it; this caller gets a plain rejection.
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "refresh token rotated",
		"old_session", observability.TruncateID(old.SessionID),
		"new_session", observability.TruncateID(newSessionID),
		"old_jti", observability.TruncateID(oldJti),
		"new_jti", observability.TruncateID(newJti),
		"fingerprint_mismatch", mismatch,
	)

	return &TokenPair{
		AccessToken:         access,
		RefreshToken:        newRefresh,
		TokenID:             newJti,
		SessionID:           newSessionID,
		CSRFToken:           csrf,
		ExpiresIn:           int64(s.jwtMgr.AccessTTL() / time.Second),
		FingerprintMismatch: mismatch,
	}, nil
}

// handleReuse escalates replay of a rotated or revoked token: mark the
// row, revoke every open descendant of its family and surface the
// dedicated error so callers can force re-authentication.
func (s *TokenService) handleReuse(ctx context.Context, tokenID string, row *domain.SessionLog) error {
	observability.RecordReuseDetected()
	if err := s.registry.logs.MarkReuseDetected(tokenID); err != nil {
		s.logger.WarnContext(ctx, "reuse mark failed", "jti", observability.TruncateID(tokenID), "error", err)
	}
	familyID := tokenID
	if row != nil && row.FamilyID != nil && *row.FamilyID != "" {
		familyID = *row.FamilyID
	}
	revoked, err := s.registry.RevokeFamily(ctx, familyID, "reuse_detected", s.jwtMgr.RefreshTTL())
	if err != nil {
		s.logger.ErrorContext(ctx, "family revocation failed", "family", observability.TruncateID(familyID), "error", err)
	} else {
		s.logger.WarnContext(ctx, "refresh token reuse detected, family revoked",
			"jti", observability.TruncateID(tokenID),
			"family", observability.TruncateID(familyID),
			"sessions_revoked", revoked,
		)
	}
	return ErrRefreshTokenReuseDetected
}

// Logout closes the presented session and revokes its refresh token.
func (s *TokenService) Logout(ctx context.Context, refreshToken, sessionID string) error {
	tokenID := ""
	if refreshToken != "" {
		if decoded, err := s.jwtMgr.DecodeUnverified(refreshToken); err == nil {
			tokenID = decoded.ID
		}
	}
	return s.registry.CloseSession(ctx, sessionID, tokenID, "logout", s.jwtMgr.RefreshTTL())
}

// RevokeSession closes one of a user's own sessions together with its
// refresh token.
func (s *TokenService) RevokeSession(ctx context.Context, userID uint, sessionID, reason string) error {
	return s.registry.CloseOwnedSession(ctx, userID, sessionID, reason, s.jwtMgr.RefreshTTL())
}

// RevokeOthers closes every session of the user except the current one.
func (s *TokenService) RevokeOthers(ctx context.Context, userID uint, currentSessionID string) (int64, error) {
	return s.registry.CloseAllExcept(ctx, userID, currentSessionID, "revoked_by_user", s.jwtMgr.RefreshTTL())
}

// RevokeAll closes every open session of one user.
func (s *TokenService) RevokeAll(ctx context.Context, userID uint, reason string) (int64, error) {
	return s.registry.CloseAllForUser(ctx, userID, reason, s.jwtMgr.RefreshTTL())
}

func parseUserID(subject string) (uint, error) {
	id64, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id64), nil
}
