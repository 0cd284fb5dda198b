package health

import (
	"context"
	"sync"
	"time"
)

// CheckResult is the outcome of probing one dependency.
type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Checker probes a single dependency.
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// ProbeRunner fans readiness checks out to every registered checker.
// Results are cached briefly so a scraping load balancer cannot hammer
// the dependencies themselves.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	checkers []Checker

	mu        sync.Mutex
	cachedAt  time.Time
	lastReady bool
	lastRes   []CheckResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, checkers ...Checker) *ProbeRunner {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, checkers: checkers}
}

// Ready runs all checks and reports whether every dependency is
// healthy.
func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cacheTTL > 0 && time.Since(p.cachedAt) < p.cacheTTL && p.lastRes != nil {
		return p.lastReady, p.lastRes
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make([]CheckResult, 0, len(p.checkers))
	ready := true
	for _, c := range p.checkers {
		start := time.Now()
		res := c.Check(ctx)
		res.LatencyMS = time.Since(start).Milliseconds()
		if !res.Healthy {
			ready = false
		}
		results = append(results, res)
	}

	p.cachedAt = time.Now()
	p.lastReady = ready
	p.lastRes = results
	return ready, results
}
