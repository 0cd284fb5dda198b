package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stayflow/stayflow-backend/internal/http/middleware"
	"github.com/stayflow/stayflow-backend/internal/http/response"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
	"github.com/stayflow/stayflow-backend/internal/service"
)

type UserHandler struct {
	users    *service.UserService
	registry *service.SessionRegistry
	tokens   *service.TokenService
}

func NewUserHandler(users *service.UserService, registry *service.SessionRegistry, tokens *service.TokenService) *UserHandler {
	return &UserHandler{users: users, registry: registry, tokens: tokens}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	profile, err := h.users.GetProfile(r.Context(), principal.UserID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "profile lookup failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, profile)
}

type updateProfileRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed body", nil)
		return
	}
	if err := h.users.UpdateProfile(r.Context(), principal.UserID, req.Name, req.Phone, req.Address); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "profile update failed", nil)
		return
	}
	profile, err := h.users.GetProfile(r.Context(), principal.UserID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "profile lookup failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, profile)
}

func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	current := principal.SessionID
	if current == "" {
		current = security.GetCookie(r, security.SessionIDCookie)
	}
	views, err := h.registry.ListActiveSessions(principal.UserID, current)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "session listing failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": views})
}

// RevokeSession closes one of the caller's own sessions. Revoking a
// session id that belongs to someone else reports not found, not
// forbidden.
func (h *UserHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "session_id is required", nil)
		return
	}

	if err := h.tokens.RevokeSession(r.Context(), principal.UserID, sessionID, "revoked"); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "session revocation failed", nil)
		return
	}
	observability.Audit(r, "session_revoked", "session_id", observability.TruncateID(sessionID))
	response.JSON(w, r, http.StatusOK, map[string]bool{"revoked": true})
}

// RevokeOtherSessions closes every session of the caller except the
// one making the request.
func (h *UserHandler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
		return
	}
	current := principal.SessionID
	if current == "" {
		current = security.GetCookie(r, security.SessionIDCookie)
	}

	revoked, err := h.tokens.RevokeOthers(r.Context(), principal.UserID, current)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "session revocation failed", nil)
		return
	}
	observability.Audit(r, "other_sessions_revoked", "count", revoked)
	response.JSON(w, r, http.StatusOK, map[string]int64{"revoked": revoked})
}
