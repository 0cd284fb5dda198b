package authcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

type probeClient struct {
	base   string
	client *http.Client
}

// probeLifecycle walks the credential lifecycle against a live server:
// login must succeed, the refresh token must rotate, and replaying the
// pre-rotation token must be rejected with the family revoked.
func probeLifecycle(ctx context.Context, opts options) ([]string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	pc := &probeClient{base: opts.baseURL, client: &http.Client{Jar: jar, Timeout: 15 * time.Second}}
	var details []string

	status, _, err := pc.do(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email": opts.email, "password": opts.password,
	}, "")
	if err != nil {
		return details, err
	}
	if status != http.StatusOK {
		return details, fmt.Errorf("login failed with status %d", status)
	}
	details = append(details, "login: ok")

	oldRefresh := pc.cookie("refresh_token")
	oldCSRF := pc.cookie("csrf_token")
	if oldRefresh == "" || oldCSRF == "" {
		return details, fmt.Errorf("login did not set auth cookies")
	}

	status, _, err = pc.do(ctx, http.MethodPost, "/api/v1/auth/refresh", nil, oldCSRF)
	if err != nil {
		return details, err
	}
	if status != http.StatusOK {
		return details, fmt.Errorf("refresh failed with status %d", status)
	}
	if pc.cookie("refresh_token") == oldRefresh {
		return details, fmt.Errorf("refresh token did not rotate")
	}
	details = append(details, "refresh rotation: ok")
	newRefresh := pc.cookie("refresh_token")
	newCSRF := pc.cookie("csrf_token")

	// Replay the pre-rotation token.
	status, err = pc.doWithCookies(ctx, http.MethodPost, "/api/v1/auth/refresh", oldCSRF, []*http.Cookie{
		{Name: "refresh_token", Value: oldRefresh},
		{Name: "csrf_token", Value: oldCSRF},
	})
	if err != nil {
		return details, err
	}
	if status != http.StatusUnauthorized {
		return details, fmt.Errorf("expected 401 on replayed token, got %d", status)
	}
	details = append(details, "replay rejection: ok")

	// Family revocation: the rotated descendant must be dead too.
	status, err = pc.doWithCookies(ctx, http.MethodPost, "/api/v1/auth/refresh", newCSRF, []*http.Cookie{
		{Name: "refresh_token", Value: newRefresh},
		{Name: "csrf_token", Value: newCSRF},
	})
	if err != nil {
		return details, err
	}
	if status != http.StatusUnauthorized {
		return details, fmt.Errorf("expected 401 for revoked family, got %d", status)
	}
	details = append(details, "family revocation: ok")
	return details, nil
}

func (p *probeClient) do(ctx context.Context, method, path string, body any, csrf string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

func (p *probeClient) doWithCookies(ctx context.Context, method, path, csrf string, cookies []*http.Cookie) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, nil)
	if err != nil {
		return 0, err
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	// Bypass the jar so stale cookies can be presented deliberately.
	client := &http.Client{Timeout: p.client.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (p *probeClient) cookie(name string) string {
	u, err := url.Parse(p.base)
	if err != nil {
		return ""
	}
	for _, c := range p.client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
