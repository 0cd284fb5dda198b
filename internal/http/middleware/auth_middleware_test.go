package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stayflow/stayflow-backend/internal/domain"
)

type stubResolver struct {
	principal *domain.Principal
	source    string
}

func (s *stubResolver) ResolvePrincipal(r *http.Request) (*domain.Principal, string, bool) {
	if s.principal == nil {
		return nil, "none", false
	}
	return s.principal, s.source, true
}

func TestAuthMiddlewareRejectsUnresolvedRequest(t *testing.T) {
	h := AuthMiddleware(&stubResolver{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"unauthorized"`) {
		t.Fatalf("expected uniform unauthorized body, got %s", rr.Body.String())
	}
}

func TestAuthMiddlewareStoresPrincipal(t *testing.T) {
	resolver := &stubResolver{
		principal: &domain.Principal{UserID: 42, Role: "staff", IsActive: true},
		source:    "bearer",
	}
	var seen *domain.Principal
	h := AuthMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if seen == nil || seen.UserID != 42 {
		t.Fatalf("expected principal on context, got %+v", seen)
	}
}
