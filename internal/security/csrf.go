package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const csrfTokenBytes = 32

// NewCSRFToken returns a cryptographically random anti-forgery value.
func NewCSRFToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// VerifyCSRFToken compares token against expected in constant time.
// Malformed input of any kind yields false, never an error; timing must
// not distinguish a near miss from garbage.
func VerifyCSRFToken(token, expected string) bool {
	a, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	b, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// NewSignedCSRFToken returns "value.signature" where signature is an
// HMAC-SHA256 of the random value under a per-context secret.
func NewSignedCSRFToken(secret string) (string, error) {
	value, err := NewCSRFToken()
	if err != nil {
		return "", err
	}
	return value + "." + signCSRFValue(value, secret), nil
}

// VerifySignedCSRFToken recomputes the HMAC over the value segment and
// constant-time-compares it to the signature segment. Wrong segment
// count or bad hex returns false.
func VerifySignedCSRFToken(token, secret string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return false
	}
	if _, err := hex.DecodeString(parts[0]); err != nil {
		return false
	}
	expected := signCSRFValue(parts[0], secret)
	return VerifyCSRFToken(parts[1], expected)
}

func signCSRFValue(value, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
