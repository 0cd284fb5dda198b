package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/stayflow/stayflow-backend/internal/app"
	"github.com/stayflow/stayflow-backend/internal/config"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/repository"
	"github.com/stayflow/stayflow-backend/internal/security"
	"github.com/stayflow/stayflow-backend/internal/service"
	"github.com/stayflow/stayflow-backend/internal/tools/common"
)

func main() {
	root := &cobra.Command{Use: "stayflow-backend", Short: "StayFlow session and credential service"}
	root.AddCommand(newServeCommand())
	root.AddCommand(newSessionsCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(".env"); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, loggerProvider, err := observability.InitLogger(ctx, cfg)
			if err != nil {
				return err
			}
			runtime, err := observability.InitRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			runtime.LoggerProvider = loggerProvider

			a, err := app.Build(ctx, cfg, logger, runtime)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Session log maintenance"}

	var retention time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete session log rows past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(".env"); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if retention == 0 {
				retention = cfg.SessionLogRetention
			}

			db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			deleted, err := repository.NewSessionLogRepository(db).CleanupExpired(retention)
			if err != nil {
				return err
			}
			slog.Info("session log cleanup complete", "deleted", deleted, "retention", retention)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&retention, "retention", 0, "override the configured retention window")
	cmd.AddCommand(cleanup)

	var userID uint
	var reason string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Close every open session of one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user-id is required")
			}
			if err := common.LoadEnvFile(".env"); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience,
				cfg.JWTAccessSecret, cfg.JWTRefreshSecret, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)

			var redisClient redis.UniversalClient
			if cfg.RedisAddr != "" {
				c := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
				defer func() { _ = c.Close() }()
				redisClient = c
			}
			logRepo := repository.NewSessionLogRepository(db)
			cache := service.NewRedisSessionCache(redisClient, "stayflow:session", cfg.RedisTimeout)
			registry := service.NewSessionRegistry(cache, logRepo, slog.Default())
			tokens := service.NewTokenService(jwtMgr, registry, repository.NewUserRepository(db), cfg.CSRFSecret, slog.Default())

			closed, err := tokens.RevokeAll(cmd.Context(), userID, reason)
			if err != nil {
				return err
			}
			slog.Info("sessions revoked", "user_id", userID, "closed", closed, "reason", reason)
			return nil
		},
	}
	revoke.Flags().UintVar(&userID, "user-id", 0, "user whose sessions are closed")
	revoke.Flags().StringVar(&reason, "reason", "admin_revoked", "logout reason recorded on each row")
	cmd.AddCommand(revoke)
	return cmd
}
