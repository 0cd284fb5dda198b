package service

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stayflow/stayflow-backend/internal/security"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return NewAuthenticator(env.jwt, env.registry, env.users, slog.New(slog.DiscardHandler)), env
}

func TestResolveFromBearerToken(t *testing.T) {
	auth, env := newTestAuthenticator(t)

	raw, err := env.jwt.IssueAccessToken(7, "manager", 2, "")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	p, method, ok := auth.ResolvePrincipal(r)
	if !ok || method != "bearer" {
		t.Fatalf("expected bearer resolution, got ok=%v method=%q", ok, method)
	}
	if p.UserID != 7 || p.Role != "manager" || p.AdminLevel != 2 {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestResolveFromSessionCookie(t *testing.T) {
	auth, env := newTestAuthenticator(t)

	if err := env.registry.CreateSession(t.Context(), newOpenLog(3, "sess-cookie", "tok-c", "fam-c")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.AddCookie(&http.Cookie{Name: security.SessionIDCookie, Value: "sess-cookie"})

	p, method, ok := auth.ResolvePrincipal(r)
	if !ok || method != "session" {
		t.Fatalf("expected session resolution, got ok=%v method=%q", ok, method)
	}
	if p.UserID != 3 || p.SessionID != "sess-cookie" || p.TokenID != "tok-c" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestResolveFromRefreshCookieReadsStore(t *testing.T) {
	auth, env := newTestAuthenticator(t)
	user := seedServiceUser(t, env)

	raw, _, err := env.jwt.IssueRefreshToken(user.ID, "", "")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: raw})

	p, method, ok := auth.ResolvePrincipal(r)
	if !ok || method != "refresh" {
		t.Fatalf("expected refresh resolution, got ok=%v method=%q", ok, method)
	}
	// Role comes from the credential store on this path.
	if p.UserID != user.ID || p.Role != "guest" || p.Email != user.Email {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestResolveRejectsRevokedRefreshCookie(t *testing.T) {
	auth, env := newTestAuthenticator(t)
	user := seedServiceUser(t, env)
	ctx := t.Context()

	raw, jti, err := env.jwt.IssueRefreshToken(user.ID, "", "")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if err := env.registry.CreateSession(ctx, newOpenLog(user.ID, "sess-revoked", jti, jti)); err != nil {
		t.Fatalf("create session: %v", err)
	}
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: raw})

	if _, _, ok := auth.ResolvePrincipal(r); !ok {
		t.Fatal("active token must resolve before revocation")
	}

	if _, err := env.registry.RevokeFamily(ctx, jti, "logout", time.Hour); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if _, _, ok := auth.ResolvePrincipal(r); ok {
		t.Fatal("revoked refresh cookie must not resolve a principal")
	}
}

func TestResolveRejectsRotatedRefreshCookie(t *testing.T) {
	auth, env := newTestAuthenticator(t)
	user := seedServiceUser(t, env)
	ctx := t.Context()

	raw, jti, err := env.jwt.IssueRefreshToken(user.ID, "", "")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if err := env.registry.CreateSession(ctx, newOpenLog(user.ID, "sess-rotated", jti, jti)); err != nil {
		t.Fatalf("create session: %v", err)
	}
	next := newOpenLog(user.ID, "sess-next", "tok-next", jti)
	if _, err := env.registry.RotateSession(ctx, jti, "", next); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: raw})
	if _, _, ok := auth.ResolvePrincipal(r); ok {
		t.Fatal("superseded refresh cookie must not resolve a principal")
	}
}

func TestResolveRejectsInactiveUserOnRefreshPath(t *testing.T) {
	auth, env := newTestAuthenticator(t)
	user := seedServiceUser(t, env)
	user.IsActive = false
	if err := env.users.Update(user); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	raw, _, err := env.jwt.IssueRefreshToken(user.ID, "", "")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: raw})

	if _, _, ok := auth.ResolvePrincipal(r); ok {
		t.Fatal("inactive user must not resolve")
	}
}

func TestBearerTakesPrecedenceOverCookies(t *testing.T) {
	auth, env := newTestAuthenticator(t)

	if err := env.registry.CreateSession(t.Context(), newOpenLog(3, "sess-cookie", "tok-c", "fam-c")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	raw, err := env.jwt.IssueAccessToken(7, "manager", 0, "")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	r.AddCookie(&http.Cookie{Name: security.SessionIDCookie, Value: "sess-cookie"})

	p, method, ok := auth.ResolvePrincipal(r)
	if !ok || method != "bearer" || p.UserID != 7 {
		t.Fatalf("expected bearer to win, got ok=%v method=%q principal=%+v", ok, method, p)
	}
}

func TestInvalidBearerFallsThroughToSessionCookie(t *testing.T) {
	auth, env := newTestAuthenticator(t)

	if err := env.registry.CreateSession(t.Context(), newOpenLog(3, "sess-cookie", "tok-c", "fam-c")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	r.AddCookie(&http.Cookie{Name: security.SessionIDCookie, Value: "sess-cookie"})

	p, method, ok := auth.ResolvePrincipal(r)
	if !ok || method != "session" || p.UserID != 3 {
		t.Fatalf("expected fallthrough to session, got ok=%v method=%q", ok, method)
	}
}

func TestUnauthenticatedRequestDoesNotResolve(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	p, method, ok := auth.ResolvePrincipal(r)
	if ok || p != nil || method != "none" {
		t.Fatalf("expected no resolution, got ok=%v method=%q p=%+v", ok, method, p)
	}
}
