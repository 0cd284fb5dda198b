package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every runtime setting. Secrets and keys are read once
// at process start and injected into the components that need them;
// nothing reads the environment after Load returns.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration

	JWTIssuer       string
	JWTAudience     string
	JWTAccessSecret string
	JWTRefreshSecret string
	JWTAccessTTL    time.Duration
	JWTRefreshTTL   time.Duration

	EncryptionKey string
	CSRFSecret    string
	CookieSecure  bool

	MaxFailedLogins     int
	LockoutDuration     time.Duration
	SessionLogRetention time.Duration

	CORSOrigins      []string
	APIRateLimitRPM  int
	AuthRateLimitRPM int
	ShutdownTimeout  time.Duration

	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELServiceName           string
	OTELEnvironment           string
	OTELMetricsExportInterval time.Duration
}

// Load reads configuration from the environment, validates it and
// records the outcome as a metric event keyed by the APP_ENV profile.
func Load() (*Config, error) {
	cfg, err := load()
	profile := os.Getenv("APP_ENV")
	if err != nil {
		recordConfigValidationEvent(context.Background(), profile, "failure", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(context.Background(), profile, "success", "none")
	return cfg, nil
}

func load() (*Config, error) {
	cfg := &Config{
		Env:              envOr("APP_ENV", "dev"),
		HTTPAddr:         envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		JWTIssuer:        envOr("JWT_ISSUER", "stayflow"),
		JWTAudience:      envOr("JWT_AUDIENCE", "stayflow-api"),
		JWTAccessSecret:  os.Getenv("JWT_ACCESS_SECRET"),
		JWTRefreshSecret: os.Getenv("JWT_REFRESH_SECRET"),
		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		CSRFSecret:       os.Getenv("CSRF_SECRET"),

		CORSOrigins: splitList(envOr("CORS_ORIGINS", "http://localhost:3000")),

		OTELExporterOTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELServiceName:          envOr("OTEL_SERVICE_NAME", "stayflow-backend"),
		OTELEnvironment:          envOr("OTEL_ENVIRONMENT", "dev"),
	}

	var err error
	if cfg.JWTAccessTTL, err = durationOr("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JWTRefreshTTL, err = durationOr("JWT_REFRESH_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RedisTimeout, err = durationOr("REDIS_TIMEOUT", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.LockoutDuration, err = durationOr("LOCKOUT_DURATION", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionLogRetention, err = durationOr("SESSION_LOG_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.OTELMetricsExportInterval, err = durationOr("OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxFailedLogins, err = intOr("MAX_FAILED_LOGINS", 5); err != nil {
		return nil, err
	}
	if cfg.APIRateLimitRPM, err = intOr("API_RATE_LIMIT_RPM", 300); err != nil {
		return nil, err
	}
	if cfg.AuthRateLimitRPM, err = intOr("AUTH_RATE_LIMIT_RPM", 20); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationOr("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.CookieSecure, err = boolOr("COOKIE_SECURE", cfg.Env == "prod"); err != nil {
		return nil, err
	}
	if cfg.OTELMetricsEnabled, err = boolOr("OTEL_METRICS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELTracesEnabled, err = boolOr("OTEL_TRACES_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELLogsEnabled, err = boolOr("OTEL_LOGS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELExporterOTLPInsecure, err = boolOr("OTEL_EXPORTER_OTLP_INSECURE", cfg.Env != "prod"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("validate config: DATABASE_URL is required")
	}
	if c.JWTAccessSecret == "" || len(c.JWTAccessSecret) < 32 {
		return fmt.Errorf("validate config: JWT_ACCESS_SECRET must be at least 32 bytes")
	}
	if c.JWTRefreshSecret == "" || len(c.JWTRefreshSecret) < 32 {
		return fmt.Errorf("validate config: JWT_REFRESH_SECRET must be at least 32 bytes")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("validate config: access and refresh secrets must differ")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("validate config: ENCRYPTION_KEY is required")
	}
	if c.CSRFSecret == "" {
		return fmt.Errorf("validate config: CSRF_SECRET is required")
	}
	if c.JWTAccessTTL <= 0 || c.JWTRefreshTTL <= c.JWTAccessTTL {
		return fmt.Errorf("validate config: refresh TTL must exceed access TTL")
	}
	if c.MaxFailedLogins <= 0 {
		return fmt.Errorf("validate config: MAX_FAILED_LOGINS must be positive")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func intOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func boolOr(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
