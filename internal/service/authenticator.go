package service

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
)

// Authenticator resolves a request to a principal by trying each
// credential carrier in declared order: Authorization bearer token,
// then session cookie, then refresh-token cookie. Each failed method
// falls through to the next; only when all fail is the request
// unauthenticated.
type Authenticator struct {
	jwtMgr   *security.JWTManager
	registry *SessionRegistry
	users    repository.UserRepository
	logger   *slog.Logger
}

func NewAuthenticator(jwtMgr *security.JWTManager, registry *SessionRegistry, users repository.UserRepository, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{jwtMgr: jwtMgr, registry: registry, users: users, logger: logger}
}

// ResolvePrincipal returns the principal and the method that produced
// it ("bearer", "session", "refresh"). A fingerprint mismatch on any
// path is audited but never rejects the request.
func (a *Authenticator) ResolvePrincipal(r *http.Request) (*domain.Principal, string, bool) {
	fingerprint := security.DeviceFingerprint(r)

	if p := a.fromBearer(r, fingerprint); p != nil {
		return p, "bearer", true
	}
	if p := a.fromSessionCookie(r, fingerprint); p != nil {
		return p, "session", true
	}
	if p := a.fromRefreshCookie(r, fingerprint); p != nil {
		return p, "refresh", true
	}
	return nil, "none", false
}

func (a *Authenticator) fromBearer(r *http.Request, fingerprint string) *domain.Principal {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return nil
	}
	raw := strings.TrimSpace(auth[7:])
	claims, err := a.jwtMgr.VerifyAccessToken(raw)
	if err != nil {
		return nil
	}
	userID, err := parseUserID(claims.Subject)
	if err != nil {
		return nil
	}
	a.auditFingerprint(r, claims.DeviceFingerprint, fingerprint, "bearer")
	return &domain.Principal{
		UserID:            userID,
		Role:              claims.Role,
		AdminLevel:        claims.AdminLevel,
		IsActive:          true,
		TokenID:           claims.ID,
		DeviceFingerprint: claims.DeviceFingerprint,
	}
}

func (a *Authenticator) fromSessionCookie(r *http.Request, fingerprint string) *domain.Principal {
	sessionID := security.GetCookie(r, security.SessionIDCookie)
	if sessionID == "" {
		return nil
	}
	session, err := a.registry.GetSession(r.Context(), sessionID)
	if err != nil {
		return nil
	}
	a.auditFingerprint(r, session.DeviceFingerprint, fingerprint, "session")
	return &domain.Principal{
		UserID:            session.UserID,
		Role:              session.Role,
		AdminLevel:        session.AdminLevel,
		IsActive:          true,
		SessionID:         session.SessionID,
		TokenID:           session.TokenID,
		DeviceFingerprint: session.DeviceFingerprint,
	}
}

func (a *Authenticator) fromRefreshCookie(r *http.Request, fingerprint string) *domain.Principal {
	raw := security.GetCookie(r, security.RefreshTokenCookie)
	if raw == "" {
		return nil
	}
	claims, err := a.jwtMgr.VerifyRefreshToken(raw, "")
	if err != nil {
		return nil
	}
	userID, err := parseUserID(claims.Subject)
	if err != nil {
		return nil
	}
	// A rotated or revoked jti must not authenticate even with a valid
	// signature; possession ends at revocation.
	state, _, err := a.registry.TokenState(r.Context(), claims.ID)
	if err != nil || state == TokenStateRotated || state == TokenStateRevoked {
		return nil
	}
	// Refresh claims carry no role; the credential store is the source
	// of truth on this last-resort path.
	user, err := a.users.FindByID(userID)
	if err != nil || !user.IsActive {
		return nil
	}
	a.auditFingerprint(r, claims.DeviceFingerprint, fingerprint, "refresh")
	return &domain.Principal{
		UserID:            user.ID,
		Role:              user.Role,
		AdminLevel:        user.AdminLevel,
		Email:             user.Email,
		IsActive:          user.IsActive,
		TokenID:           claims.ID,
		DeviceFingerprint: claims.DeviceFingerprint,
	}
}

func (a *Authenticator) auditFingerprint(r *http.Request, bound, observed, source string) {
	if bound == "" || observed == "" || bound == observed {
		return
	}
	observability.Audit(r, "device_fingerprint_mismatch",
		"source", source,
		"bound", observability.TruncateID(bound),
		"observed", observability.TruncateID(observed),
	)
}
