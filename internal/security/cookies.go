package security

import (
	"net/http"
	"time"
)

const (
	RefreshTokenCookie = "refresh_token"
	SessionIDCookie    = "session_id"
	CSRFTokenCookie    = "csrf_token"
)

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetAuthCookies writes the refresh-token and session-id cookies.
// Both are HTTP-only, SameSite=Lax, path "/", with a lifetime matching
// the refresh TTL.
func SetAuthCookies(w http.ResponseWriter, refreshToken, sessionID string, ttl time.Duration, secure bool) {
	setCookie(w, RefreshTokenCookie, refreshToken, ttl, secure, true)
	setCookie(w, SessionIDCookie, sessionID, ttl, secure, true)
}

// SetCSRFCookie writes the anti-forgery cookie. It is readable by
// scripts so the value can be echoed back in the X-CSRF-Token header.
func SetCSRFCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	setCookie(w, CSRFTokenCookie, token, ttl, secure, false)
}

func ClearAuthCookies(w http.ResponseWriter, secure bool) {
	setCookie(w, RefreshTokenCookie, "", -time.Hour, secure, true)
	setCookie(w, SessionIDCookie, "", -time.Hour, secure, true)
	setCookie(w, CSRFTokenCookie, "", -time.Hour, secure, false)
}

func setCookie(w http.ResponseWriter, name, value string, ttl time.Duration, secure, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: httpOnly,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
