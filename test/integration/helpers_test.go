package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/http/handler"
	"github.com/stayflow/stayflow-backend/internal/http/router"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
	"github.com/stayflow/stayflow-backend/internal/service"
)

const (
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 24 * time.Hour
	testPassword   = "Valid#Pass1234"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testStack struct {
	baseURL string
	client  *http.Client
	mr      *miniredis.Miniredis
	users   *service.UserService
	db      *gorm.DB
	closeFn func()
}

func newAuthTestServer(t *testing.T) *testStack {
	t.Helper()

	// A named shared-cache DSN keeps one in-memory database across the
	// pool's connections while isolating parallel tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.SessionLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := slog.New(slog.DiscardHandler)
	jwtMgr := security.NewJWTManager("stayflow", "stayflow-api",
		"integration-access-secret-32bytes!", "integration-refresh-secret-32byte",
		testAccessTTL, testRefreshTTL)
	cipher, err := security.NewFieldCipher("integration-field-encryption-key")
	if err != nil {
		t.Fatalf("field cipher: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	logRepo := repository.NewSessionLogRepository(db)
	cache := service.NewRedisSessionCache(redisClient, "itest", 500*time.Millisecond)
	registry := service.NewSessionRegistry(cache, logRepo, logger)
	tokens := service.NewTokenService(jwtMgr, registry, userRepo, "integration-csrf-secret", logger)
	lockout := service.NewLockoutGuard(userRepo, 5, 15*time.Minute)
	auth := service.NewAuthService(userRepo, tokens, lockout, logger)
	users := service.NewUserService(userRepo, cipher, logger)
	resolver := service.NewAuthenticator(jwtMgr, registry, userRepo, logger)

	deps := router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, tokens, lockout, testRefreshTTL, false),
		UserHandler:      handler.NewUserHandler(users, registry, tokens),
		Resolver:         resolver,
		CORSOrigins:      []string{"http://localhost"},
		AuthRateLimitRPM: 10000,
		APIRateLimitRPM:  10000,
	}

	srv := httptest.NewServer(router.NewRouter(deps))
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	stack := &testStack{
		baseURL: srv.URL,
		client:  client,
		mr:      mr,
		users:   users,
		db:      db,
		closeFn: func() {
			srv.Close()
			_ = redisClient.Close()
		},
	}
	return stack
}

func (s *testStack) seedUser(t *testing.T, email string) {
	t.Helper()
	if _, err := s.users.CreateUser(t.Context(), email, testPassword, "Integration User", "guest"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func (s *testStack) login(t *testing.T, email string) envelope {
	t.Helper()
	resp, env := doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/auth/login",
		map[string]string{"email": email, "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login failed: status=%d success=%v", resp.StatusCode, env.Success)
	}
	return env
}

func (s *testStack) cookieValue(t *testing.T, name string) string {
	t.Helper()
	u, err := url.Parse(s.baseURL)
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	for _, c := range s.client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func doJSON(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	return doRaw(t, client, method, target, body, headers, nil)
}

func doRaw(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string, cookies []*http.Cookie) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	return resp, env
}
