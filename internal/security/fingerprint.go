package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// DeviceFingerprint derives a non-secret binding value from request
// origin signals. The IP is coarsened before hashing because NAT and
// proxy rotation shuffle the low bits for legitimate users; a mismatch
// is an anomaly signal, never an authorization input.
func DeviceFingerprint(r *http.Request) string {
	h := sha256.New()
	h.Write([]byte(coarseIP(r.RemoteAddr)))
	h.Write([]byte{0})
	h.Write([]byte(r.UserAgent()))
	h.Write([]byte{0})
	h.Write([]byte(r.Header.Get("Accept")))
	h.Write([]byte{0})
	h.Write([]byte(r.Header.Get("Accept-Language")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func coarseIP(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}

// ClientIP prefers the RealIP-populated RemoteAddr and strips any port.
func ClientIP(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return strings.TrimSpace(r.RemoteAddr)
}
