package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config shapes one synthetic traffic run against a live server.
type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
}

type Result struct {
	TotalRequests int64
	Failures      int64
	StatusClasses map[string]int64
}

type target struct {
	method string
	path   string
	body   map[string]string
}

// Run drives paced traffic at the configured profile until the
// duration elapses. Requests that cannot complete count as failures;
// HTTP error statuses do not, they are expected from auth probes.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 5 * time.Second
	}

	targets := profileTargets(normalizeProfile(cfg.Profile))
	rng := rand.New(rand.NewSource(cfg.Seed))
	var mu sync.Mutex
	pick := func() target {
		mu.Lock()
		defer mu.Unlock()
		return targets[rng.Intn(len(targets))]
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	res := &Result{StatusClasses: map[string]int64{}}
	var classMu sync.Mutex
	var total, failures atomic.Int64

	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()
	jobs := make(chan target, cfg.Concurrency)
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 5 * time.Second}

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tgt := range jobs {
				total.Add(1)
				status, err := fire(ctx, client, cfg.BaseURL, tgt)
				if err != nil {
					failures.Add(1)
					continue
				}
				classMu.Lock()
				res.StatusClasses[classifyStatusClass(status)]++
				classMu.Unlock()
			}
		}()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			select {
			case jobs <- pick():
			default:
			}
		}
	}
	close(jobs)
	wg.Wait()

	res.TotalRequests = total.Load()
	res.Failures = failures.Load()
	return res, nil
}

func fire(ctx context.Context, client *http.Client, baseURL string, tgt target) (int, error) {
	var body io.Reader
	if tgt.body != nil {
		payload, err := json.Marshal(tgt.body)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, tgt.method, baseURL+tgt.path, body)
	if err != nil {
		return 0, err
	}
	if tgt.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func profileTargets(profile string) []target {
	health := []target{
		{method: http.MethodGet, path: "/health/live"},
		{method: http.MethodGet, path: "/health/ready"},
	}
	auth := []target{
		{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{
			"email": "loadgen@example.com", "password": "not-a-real-password",
		}},
		{method: http.MethodGet, path: "/api/v1/auth/lock-status?email=loadgen@example.com"},
		{method: http.MethodGet, path: "/api/v1/me"},
	}
	switch profile {
	case "health":
		return health
	case "auth":
		return auth
	default:
		return append(health, auth...)
	}
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	p := strings.ToLower(strings.TrimSpace(profile))
	switch p {
	case "auth", "health", "mixed":
		return p
	case "":
		return "mixed"
	default:
		return "mixed"
	}
}
