package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stayflow/stayflow-backend/internal/http/middleware"
	"github.com/stayflow/stayflow-backend/internal/http/response"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/security"
	"github.com/stayflow/stayflow-backend/internal/service"
)

type AuthHandler struct {
	auth         *service.AuthService
	tokens       *service.TokenService
	lockout      *service.LockoutGuard
	refreshTTL   time.Duration
	cookieSecure bool
}

func NewAuthHandler(auth *service.AuthService, tokens *service.TokenService, lockout *service.LockoutGuard, refreshTTL time.Duration, cookieSecure bool) *AuthHandler {
	return &AuthHandler{
		auth:         auth,
		tokens:       tokens,
		lockout:      lockout,
		refreshTTL:   refreshTTL,
		cookieSecure: cookieSecure,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenID      string `json:"token_id"`
	SessionID    string `json:"session_id"`
	CSRFToken    string `json:"csrf_token"`
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IP:                security.ClientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: security.DeviceFingerprint(r),
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "email and password are required", nil)
		return
	}

	pair, _, err := h.auth.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountLocked):
			observability.RecordAuthLogin("locked")
			status, lookupErr := h.lockout.CheckLockStatus(req.Email)
			var details any
			if lookupErr == nil {
				details = status
			}
			response.Error(w, r, http.StatusForbidden, "ACCOUNT_LOCKED", "account temporarily locked", details)
		case errors.Is(err, service.ErrInvalidCredentials):
			observability.RecordAuthLogin("invalid")
			response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
		default:
			observability.RecordAuthLogin("error")
			response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "login failed", nil)
		}
		return
	}

	observability.RecordAuthLogin("success")
	observability.Audit(r, "login_succeeded", "session_id", observability.TruncateID(pair.SessionID))
	h.writeTokenPair(w, r, pair)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.RefreshTokenCookie)
	if raw == "" {
		observability.RecordAuthRefresh("missing")
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	csrf := r.Header.Get("X-CSRF-Token")
	presentedSession := security.GetCookie(r, security.SessionIDCookie)

	pair, err := h.tokens.Rotate(r.Context(), raw, csrf, presentedSession, requestMeta(r))
	if err != nil {
		security.ClearAuthCookies(w, h.cookieSecure)
		switch {
		case errors.Is(err, service.ErrRefreshTokenReuseDetected):
			observability.RecordAuthRefresh("reuse_detected")
			observability.Audit(r, "refresh_token_reuse_detected")
		case errors.Is(err, service.ErrInvalidRefreshToken):
			observability.RecordAuthRefresh("invalid")
		default:
			observability.RecordAuthRefresh("error")
			response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "token refresh failed", nil)
			return
		}
		// Reuse and plain invalidity share a response so a probing
		// attacker learns nothing from the distinction.
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}

	if pair.FingerprintMismatch {
		observability.Audit(r, "device_fingerprint_mismatch", "source", "refresh_rotation")
	}
	observability.RecordAuthRefresh("success")
	h.writeTokenPair(w, r, pair)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}

	sessionID := principal.SessionID
	if sessionID == "" {
		sessionID = security.GetCookie(r, security.SessionIDCookie)
	}
	refresh := security.GetCookie(r, security.RefreshTokenCookie)

	if err := h.tokens.Logout(r.Context(), refresh, sessionID); err != nil {
		observability.RecordAuthLogout("error")
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "logout failed", nil)
		return
	}

	observability.RecordAuthLogout("success")
	observability.Audit(r, "logout", "session_id", observability.TruncateID(sessionID))
	security.ClearAuthCookies(w, h.cookieSecure)
	response.JSON(w, r, http.StatusOK, map[string]bool{"logged_out": true})
}

// LockStatus reports the pre-login lockout snapshot for an email. The
// response shape is identical for known and unknown emails.
func (h *AuthHandler) LockStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "email is required", nil)
		return
	}
	status, err := h.lockout.CheckLockStatus(email)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "lock status lookup failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, status)
}

func (h *AuthHandler) writeTokenPair(w http.ResponseWriter, r *http.Request, pair *service.TokenPair) {
	security.SetAuthCookies(w, pair.RefreshToken, pair.SessionID, h.refreshTTL, h.cookieSecure)
	security.SetCSRFCookie(w, pair.CSRFToken, h.refreshTTL, h.cookieSecure)
	response.JSON(w, r, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		TokenID:      pair.TokenID,
		SessionID:    pair.SessionID,
		CSRFToken:    pair.CSRFToken,
	})
}
