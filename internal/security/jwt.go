package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers every verification failure: bad signature,
// expiry, malformed input, wrong token type. Callers treat it as
// "no principal" and fall through to the next authentication method.
var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	TokenType         string `json:"token_type"`
	Role              string `json:"role,omitempty"`
	AdminLevel        int    `json:"admin_level,omitempty"`
	DeviceFingerprint string `json:"dfp,omitempty"`
	CSRFBinding       string `json:"csrf,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies the two token kinds. Secrets are fixed
// at construction and never mutated afterwards.
type JWTManager struct {
	issuer        string
	audience      string
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewJWTManager(issuer, audience, accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *JWTManager {
	return &JWTManager{
		issuer:        issuer,
		audience:      audience,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

func (m *JWTManager) AccessTTL() time.Duration  { return m.accessTTL }
func (m *JWTManager) RefreshTTL() time.Duration { return m.refreshTTL }

func (m *JWTManager) IssueAccessToken(userID uint, role string, adminLevel int, fingerprint string) (string, error) {
	claims := Claims{
		TokenType:         "access",
		Role:              role,
		AdminLevel:        adminLevel,
		DeviceFingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", userID),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
}

// IssueRefreshToken mints a refresh token with a fresh random jti.
// When csrfToken is non-empty its hash is embedded so renewal requests
// can be bound back to the issuing browser context.
func (m *JWTManager) IssueRefreshToken(userID uint, fingerprint, csrfToken string) (token string, jti string, err error) {
	jti = uuid.NewString()
	claims := Claims{
		TokenType:         "refresh",
		DeviceFingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", userID),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.refreshTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        jti,
		},
	}
	if csrfToken != "" {
		claims.CSRFBinding = HashTokenBinding(csrfToken)
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.refreshSecret)
	if err != nil {
		return "", "", err
	}
	return token, jti, nil
}

func (m *JWTManager) VerifyAccessToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, "access")
}

// VerifyRefreshToken checks signature, expiry and claims. When the
// token was issued with a CSRF binding and the caller supplies a CSRF
// value, the two must match. An absent header is tolerated because the
// binding is optional at the renewal endpoint.
func (m *JWTManager) VerifyRefreshToken(raw, csrfToken string) (*Claims, error) {
	claims, err := m.parse(raw, m.refreshSecret, "refresh")
	if err != nil {
		return nil, err
	}
	if claims.CSRFBinding != "" && csrfToken != "" {
		provided := HashTokenBinding(csrfToken)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(claims.CSRFBinding)) != 1 {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

// DecodeUnverified extracts claims without checking the signature. It
// exists solely so state lookups can read jti and subject before full
// verification; never use its result for an authorization decision.
func (m *JWTManager) DecodeUnverified(raw string) (*Claims, error) {
	claims := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *JWTManager) parse(raw string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience))
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashTokenBinding derives the non-reversible form of a CSRF value
// embedded in refresh-token claims.
func HashTokenBinding(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
