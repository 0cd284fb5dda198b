package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stayflow/stayflow-backend/internal/http/response"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/security"
)

// Decision is one limiter verdict for one key.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
	Reason     string
}

// RateLimitPolicy combines a sustained per-window limit with a token
// bucket that absorbs short bursts.
type RateLimitPolicy struct {
	SustainedLimit    int
	SustainedWindow   time.Duration
	BurstCapacity     int
	BurstRefillPerSec float64
}

// Limiter decides whether one more request under key fits the policy.
type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

// FailureMode picks the behavior when the limiter backend is
// unreachable. Auth endpoints fail closed, the general API fails open.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// RateLimiter is the HTTP middleware wrapper around a Limiter.
type RateLimiter struct {
	limiter         Limiter
	policy          RateLimitPolicy
	mode            FailureMode
	scope           string
	keyFunc         func(r *http.Request) string
	bypassEvaluator BypassEvaluator
}

// NewRateLimiter builds an in-process limiter for one scope. Used as
// the fallback when no shared backend is configured.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewDistributedRateLimiter(
		NewLocalFixedWindowLimiter(),
		newRateLimitPolicy(limit, window, 1.0),
		FailClosed,
		"local",
		nil,
	)
}

func NewDistributedRateLimiter(
	limiter Limiter,
	policy RateLimitPolicy,
	mode FailureMode,
	scope string,
	keyFunc func(r *http.Request) string,
) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  normalizePolicy(policy),
		mode:    mode,
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func (rl *RateLimiter) WithBypassEvaluator(eval BypassEvaluator) *RateLimiter {
	rl.bypassEvaluator = eval
	return rl
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.bypassApplies(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := rl.keyFunc(r)
			if key == "" {
				key = clientIPKey(r)
			}
			keyType := rateLimitKeyType(key)

			decision, err := rl.limiter.Allow(r.Context(), key, rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error", string(rl.mode), keyType)
				if rl.mode == FailOpen {
					slog.Warn("rate limiter backend unavailable, allowing request",
						"scope", rl.scope, "error", err)
					next.ServeHTTP(w, r)
					return
				}
				rl.deny(w, r, Decision{
					RetryAfter: rl.policy.SustainedWindow,
					ResetAt:    time.Now().Add(rl.policy.SustainedWindow),
					Reason:     "backend",
				})
				return
			}

			writeRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny", string(rl.mode), keyType)
				rl.deny(w, r, decision)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow", string(rl.mode), keyType)
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) bypassApplies(r *http.Request) bool {
	if rl.bypassEvaluator == nil {
		return false
	}
	bypass, reason := rl.bypassEvaluator(r)
	if !bypass {
		return false
	}
	if reason == "" {
		reason = "unspecified"
	}
	observability.RecordRateLimitDecision(r.Context(), rl.scope, "bypass", string(rl.mode), "ip")
	observability.RecordSecurityBypassEvent(r.Context(), reason, rl.scope)
	slog.Debug("rate limiter bypass applied", "scope", rl.scope, "reason", reason, "path", r.URL.Path)
	return true
}

func (rl *RateLimiter) deny(w http.ResponseWriter, r *http.Request, d Decision) {
	reason := d.Reason
	if reason == "" {
		reason = "window"
	}
	if d.Reason == "backend" {
		writeRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, 0, d.ResetAt)
	}
	w.Header().Set("Retry-After", retryAfterHeader(d.RetryAfter))
	observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, reason, d.RetryAfter)
	response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
}

// SubjectOrIPKeyFunc keys authenticated traffic by token subject so
// one hot user cannot consume an entire NAT's budget, falling back to
// the client IP for anonymous requests.
func SubjectOrIPKeyFunc(jwtMgr *security.JWTManager) func(r *http.Request) string {
	return func(r *http.Request) string {
		if jwtMgr == nil {
			return clientIPKey(r)
		}
		if subject := requestSubject(r, jwtMgr); subject != "" {
			return "sub:" + subject
		}
		return clientIPKey(r)
	}
}

// localFixedWindowLimiter is the in-process hybrid limiter: a token
// bucket for burst smoothing plus a sliding hit window for the
// sustained limit. State is per-key and pruned opportunistically.
type localFixedWindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	sweepAt time.Time
}

type localEntry struct {
	tokens   float64
	refillAt time.Time
	hits     []time.Time
}

func NewLocalFixedWindowLimiter() Limiter {
	return &localFixedWindowLimiter{
		entries: make(map[string]*localEntry),
		sweepAt: time.Now().Add(time.Minute),
	}
}

func (l *localFixedWindowLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now, policy.SustainedWindow)

	e := l.entries[key]
	if e == nil {
		e = &localEntry{tokens: float64(policy.BurstCapacity), refillAt: now}
		l.entries[key] = e
	}
	e.refill(now, policy)
	e.prune(now.Add(-policy.SustainedWindow))

	bucketRetry, sustainedRetry := e.retryTimes(now, policy)
	reason := ""
	if bucketRetry > 0 {
		reason = "bucket"
	}
	if sustainedRetry > 0 && sustainedRetry >= bucketRetry {
		reason = "window"
	}

	allowed := bucketRetry <= 0 && sustainedRetry <= 0
	if allowed {
		e.tokens = max(e.tokens-1, 0)
		e.hits = append(e.hits, now)
	}

	remaining := min(int(math.Floor(e.tokens)), policy.SustainedLimit-len(e.hits))
	if remaining < 0 {
		remaining = 0
	}
	retryAfter := max(bucketRetry, sustainedRetry)
	if !allowed && retryAfter <= 0 {
		retryAfter = time.Second
	}

	resetAt := now.Add(policy.SustainedWindow)
	if len(e.hits) > 0 {
		resetAt = e.hits[0].Add(policy.SustainedWindow)
	}
	if !allowed {
		resetAt = now.Add(retryAfter)
	}

	return Decision{
		Allowed:    allowed,
		RetryAfter: retryAfter,
		Remaining:  remaining,
		ResetAt:    resetAt,
		Reason:     reason,
	}, nil
}

func (l *localFixedWindowLimiter) sweep(now time.Time, window time.Duration) {
	if now.Before(l.sweepAt) {
		return
	}
	for k, e := range l.entries {
		if len(e.hits) == 0 && now.Sub(e.refillAt) > 2*window {
			delete(l.entries, k)
		}
	}
	l.sweepAt = now.Add(window)
}

func (e *localEntry) refill(now time.Time, policy RateLimitPolicy) {
	if !now.After(e.refillAt) {
		return
	}
	elapsed := now.Sub(e.refillAt).Seconds()
	e.tokens = min(float64(policy.BurstCapacity), e.tokens+elapsed*policy.BurstRefillPerSec)
	e.refillAt = now
}

func (e *localEntry) prune(cutoff time.Time) {
	kept := e.hits[:0]
	for _, hit := range e.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	e.hits = kept
}

func (e *localEntry) retryTimes(now time.Time, policy RateLimitPolicy) (bucket, sustained time.Duration) {
	if e.tokens < 1 {
		need := 1 - e.tokens
		bucket = time.Duration(math.Ceil(need / policy.BurstRefillPerSec * float64(time.Second)))
	}
	if len(e.hits) >= policy.SustainedLimit {
		sustained = e.hits[0].Add(policy.SustainedWindow).Sub(now)
		if sustained < 0 {
			sustained = 0
		}
	}
	return bucket, sustained
}

func clientIPKey(r *http.Request) string {
	if ip := parseRequestIP(r); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(max(limit, 0)))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func newRateLimitPolicy(limit int, window time.Duration, burstMultiplier float64) RateLimitPolicy {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if burstMultiplier < 1 {
		burstMultiplier = 1
	}
	return normalizePolicy(RateLimitPolicy{
		SustainedLimit:  limit,
		SustainedWindow: window,
		BurstCapacity:   int(math.Ceil(float64(limit) * burstMultiplier)),
	})
}

func normalizePolicy(policy RateLimitPolicy) RateLimitPolicy {
	if policy.SustainedLimit <= 0 {
		policy.SustainedLimit = 1
	}
	if policy.SustainedWindow <= 0 {
		policy.SustainedWindow = time.Minute
	}
	if policy.BurstCapacity < policy.SustainedLimit {
		policy.BurstCapacity = policy.SustainedLimit
	}
	if policy.BurstRefillPerSec <= 0 {
		policy.BurstRefillPerSec = float64(policy.SustainedLimit) / policy.SustainedWindow.Seconds()
	}
	if policy.BurstRefillPerSec <= 0 {
		policy.BurstRefillPerSec = 1
	}
	return policy
}

func rateLimitKeyType(key string) string {
	if strings.HasPrefix(key, "sub:") {
		return "subject"
	}
	return "ip"
}
