package security

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestJWTManager(accessTTL, refreshTTL time.Duration) *JWTManager {
	return NewJWTManager("stayflow", "stayflow-api",
		"unit-test-access-secret-32-bytes!", "unit-test-refresh-secret-32-byte",
		accessTTL, refreshTTL)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newTestJWTManager(time.Minute, time.Hour)

	raw, err := m.IssueAccessToken(7, "manager", 2, "fp-abc")
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}
	claims, err := m.VerifyAccessToken(raw)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.Subject != "7" || claims.Role != "manager" || claims.AdminLevel != 2 {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.DeviceFingerprint != "fp-abc" {
		t.Fatalf("expected fingerprint claim, got %q", claims.DeviceFingerprint)
	}
	if claims.TokenType != "access" {
		t.Fatalf("expected access token type, got %q", claims.TokenType)
	}
	if claims.ID == "" {
		t.Fatal("expected a jti on the access token")
	}
}

func TestRefreshTokenRoundTripAndJTI(t *testing.T) {
	m := newTestJWTManager(time.Minute, time.Hour)

	raw, jti, err := m.IssueRefreshToken(7, "fp-abc", "")
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	if jti == "" {
		t.Fatal("expected non-empty jti")
	}
	claims, err := m.VerifyRefreshToken(raw, "")
	if err != nil {
		t.Fatalf("verify refresh token: %v", err)
	}
	if claims.ID != jti {
		t.Fatalf("expected claims jti %q, got %q", jti, claims.ID)
	}
	if claims.TokenType != "refresh" {
		t.Fatalf("expected refresh token type, got %q", claims.TokenType)
	}
}

func TestTokenTypeConfusionRejected(t *testing.T) {
	m := newTestJWTManager(time.Minute, time.Hour)

	access, err := m.IssueAccessToken(7, "guest", 0, "")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	refresh, _, err := m.IssueRefreshToken(7, "", "")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}

	if _, err := m.VerifyRefreshToken(access, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
	if _, err := m.VerifyAccessToken(refresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	m := newTestJWTManager(time.Minute, time.Hour)

	raw, err := m.IssueAccessToken(7, "guest", 0, "")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 jwt segments, got %d", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("x", len(parts[2]))
	if _, err := m.VerifyAccessToken(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered signature, got %v", err)
	}
	if _, err := m.VerifyAccessToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage input, got %v", err)
	}
}

func TestExpiredTokenRejectedButDecodable(t *testing.T) {
	m := newTestJWTManager(-time.Minute, -time.Minute)

	raw, jti, err := m.IssueRefreshToken(9, "", "")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if _, err := m.VerifyRefreshToken(raw, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry rejection, got %v", err)
	}

	// State lookups still need the jti from expired tokens.
	decoded, err := m.DecodeUnverified(raw)
	if err != nil {
		t.Fatalf("decode unverified: %v", err)
	}
	if decoded.ID != jti || decoded.Subject != "9" {
		t.Fatalf("unexpected decoded claims %+v", decoded)
	}
}

func TestWrongIssuerOrAudienceRejected(t *testing.T) {
	m := newTestJWTManager(time.Minute, time.Hour)
	other := NewJWTManager("someone-else", "other-api",
		"unit-test-access-secret-32-bytes!", "unit-test-refresh-secret-32-byte",
		time.Minute, time.Hour)

	raw, err := other.IssueAccessToken(7, "guest", 0, "")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	if _, err := m.VerifyAccessToken(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer/audience rejection, got %v", err)
	}
}

func TestRefreshTokenCSRFBinding(t *testing.T) {
	m := newTestJWTManager(time.Minute, time.Hour)

	csrf, err := NewCSRFToken()
	if err != nil {
		t.Fatalf("new csrf token: %v", err)
	}
	raw, _, err := m.IssueRefreshToken(7, "", csrf)
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}

	if _, err := m.VerifyRefreshToken(raw, csrf); err != nil {
		t.Fatalf("matching csrf binding rejected: %v", err)
	}
	if _, err := m.VerifyRefreshToken(raw, "some-other-value"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected csrf binding mismatch rejection, got %v", err)
	}
	// The binding is only enforced when the caller presents a value.
	if _, err := m.VerifyRefreshToken(raw, ""); err != nil {
		t.Fatalf("absent csrf value should be tolerated: %v", err)
	}
}
