package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/stayflow/stayflow-backend/internal/config"
	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/health"
	"github.com/stayflow/stayflow-backend/internal/http/handler"
	"github.com/stayflow/stayflow-backend/internal/http/middleware"
	"github.com/stayflow/stayflow-backend/internal/http/router"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
	"github.com/stayflow/stayflow-backend/internal/service"
)

// App is the composed server: every long-lived dependency hangs off it
// so shutdown can walk them in order.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Readiness     *health.ProbeRunner

	DB          *gorm.DB
	Redis       *redis.Client
	SessionLogs repository.SessionLogRepository
}

// Build wires the full dependency graph from configuration. Redis is
// optional: without it the session registry runs durable-only and rate
// limiting falls back to per-instance windows.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime) (*App, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.SessionLog{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, continuing in durable-only mode",
				"addr", cfg.RedisAddr, "error", err)
		}
	} else {
		logger.Warn("no redis configured, session cache and distributed rate limits disabled")
	}

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience,
		cfg.JWTAccessSecret, cfg.JWTRefreshSecret, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)
	cipher, err := security.NewFieldCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("build field cipher: %w", err)
	}

	userRepo := repository.NewUserRepository(db)
	logRepo := repository.NewSessionLogRepository(db)
	// A typed-nil *redis.Client would slip past the interface nil check
	// inside the cache, so only a live client crosses the boundary.
	var cacheClient redis.UniversalClient
	if redisClient != nil {
		cacheClient = redisClient
	}
	cache := service.NewRedisSessionCache(cacheClient, "stayflow:session", cfg.RedisTimeout)
	registry := service.NewSessionRegistry(cache, logRepo, logger)
	tokens := service.NewTokenService(jwtMgr, registry, userRepo, cfg.CSRFSecret, logger)
	lockout := service.NewLockoutGuard(userRepo, cfg.MaxFailedLogins, cfg.LockoutDuration)
	auth := service.NewAuthService(userRepo, tokens, lockout, logger)
	users := service.NewUserService(userRepo, cipher, logger)
	resolver := service.NewAuthenticator(jwtMgr, registry, userRepo, logger)

	checkers := []health.Checker{health.NewDatabaseChecker(db)}
	if redisClient != nil {
		checkers = append(checkers, health.NewRedisChecker(redisClient))
	}
	readiness := health.NewProbeRunner(2*time.Second, 5*time.Second, checkers...)

	deps := router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, tokens, lockout, cfg.JWTRefreshTTL, cfg.CookieSecure),
		UserHandler:      handler.NewUserHandler(users, registry, tokens),
		Resolver:         resolver,
		CORSOrigins:      cfg.CORSOrigins,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
		APIRateLimitRPM:  cfg.APIRateLimitRPM,
		Readiness:        readiness,
		EnableOTelHTTP:   cfg.OTELTracesEnabled,
	}
	if redisClient != nil {
		shared := middleware.NewRedisLimiter(redisClient, "stayflow:rl")
		deps.GlobalRateLimiter = middleware.NewDistributedRateLimiter(
			shared, apiPolicy(cfg.APIRateLimitRPM), middleware.FailOpen, "api", nil,
		).Middleware()
		deps.AuthRateLimiter = middleware.NewDistributedRateLimiter(
			shared, apiPolicy(cfg.AuthRateLimitRPM), middleware.FailClosed, "auth",
			middleware.SubjectOrIPKeyFunc(jwtMgr),
		).Middleware()
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		Observability: runtime,
		Readiness:     readiness,
		DB:            db,
		Redis:         redisClient,
		SessionLogs:   logRepo,
	}, nil
}

// Run serves until the context is cancelled, then drains connections
// and flushes observability within the shutdown budget. The session
// log janitor runs alongside the server.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.runJanitor(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("http shutdown incomplete", "error", err)
		}
		return a.Close(shutdownCtx)
	})

	return g.Wait()
}

// runJanitor deletes session log rows past their retention window once
// an hour.
func (a *App) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := a.SessionLogs.CleanupExpired(a.Config.SessionLogRetention)
			if err != nil {
				a.Logger.Error("session log cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.Logger.Info("session log cleanup", "deleted", deleted)
			}
		}
	}
}

// Close releases connections and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("redis close failed", "error", err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.Warn("database close failed", "error", err)
		}
	}
	if a.Observability != nil {
		return a.Observability.Shutdown(ctx)
	}
	return nil
}

func apiPolicy(rpm int) middleware.RateLimitPolicy {
	if rpm <= 0 {
		rpm = 1
	}
	return middleware.RateLimitPolicy{
		SustainedLimit:    rpm,
		SustainedWindow:   time.Minute,
		BurstCapacity:     rpm,
		BurstRefillPerSec: float64(rpm) / 60,
	}
}
