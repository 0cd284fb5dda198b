package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stayflow/stayflow-backend/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "stayflow-backend"

type AppMetrics struct {
	authLoginCounter    metric.Int64Counter
	authRefreshCounter  metric.Int64Counter
	authLogoutCounter   metric.Int64Counter
	reuseDetectCounter  metric.Int64Counter
	cacheFallbackCounter metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics

	lazyMu           sync.Mutex
	repoOpCounter    metric.Int64Counter
	tokenCheckCounter metric.Int64Counter
	cacheOpCounter   metric.Int64Counter
	rateLimitCounter metric.Int64Counter
	retryAfterHist   metric.Float64Histogram
	bypassCounter    metric.Int64Counter
	csrfCounter      metric.Int64Counter
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)
	loginCounter, err := meter.Int64Counter("auth.login.attempts")
	if err != nil {
		return nil, err
	}
	refreshCounter, err := meter.Int64Counter("auth.refresh.attempts")
	if err != nil {
		return nil, err
	}
	logoutCounter, err := meter.Int64Counter("auth.logout.attempts")
	if err != nil {
		return nil, err
	}
	reuseCounter, err := meter.Int64Counter("auth.refresh.reuse_detected")
	if err != nil {
		return nil, err
	}
	fallbackCounter, err := meter.Int64Counter("session.cache.fallbacks")
	if err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMetrics = &AppMetrics{
		authLoginCounter:     loginCounter,
		authRefreshCounter:   refreshCounter,
		authLogoutCounter:    logoutCounter,
		reuseDetectCounter:   reuseCounter,
		cacheFallbackCounter: fallbackCounter,
	}
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func RecordAuthLogin(status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.authLoginCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthRefresh(status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.authRefreshCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthLogout(status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.authLogoutCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordReuseDetected() {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.reuseDetectCounter.Add(context.Background(), 1)
}

// RecordSessionCacheFallback counts requests served in durable-only
// degraded mode because the fast store was unreachable.
func RecordSessionCacheFallback(operation string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.cacheFallbackCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordRepositoryOperation is safe to call before InitMetrics; the
// counter is created lazily against the ambient meter provider.
func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	c := lazyCounter(&repoOpCounter, "repository.operations")
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordAccessTokenValidation(ctx context.Context, outcome, source string) {
	c := lazyCounter(&tokenCheckCounter, "auth.access_token.validations")
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	))
}

func RecordSessionCacheOperation(ctx context.Context, operation, outcome string) {
	c := lazyCounter(&cacheOpCounter, "session.cache.operations")
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, decision, mode, keyType string) {
	c := lazyCounter(&rateLimitCounter, "http.rate_limit.decisions")
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("decision", decision),
		attribute.String("mode", mode),
		attribute.String("key_type", keyType),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, retryAfter time.Duration) {
	h := lazyHistogram(&retryAfterHist, "http.rate_limit.retry_after_seconds")
	if h == nil {
		return
	}
	h.Record(ctx, retryAfter.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("reason", reason),
	))
}

func RecordSecurityBypassEvent(ctx context.Context, reason, scope string) {
	c := lazyCounter(&bypassCounter, "security.bypass.events")
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("scope", scope),
	))
}

func RecordCSRFValidation(ctx context.Context, outcome, pathGroup string) {
	c := lazyCounter(&csrfCounter, "security.csrf.validations")
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("path_group", pathGroup),
	))
}

func lazyHistogram(slot *metric.Float64Histogram, name string) metric.Float64Histogram {
	lazyMu.Lock()
	defer lazyMu.Unlock()
	if *slot == nil {
		hist, err := otel.Meter(meterName).Float64Histogram(name)
		if err != nil {
			return nil
		}
		*slot = hist
	}
	return *slot
}

func lazyCounter(slot *metric.Int64Counter, name string) metric.Int64Counter {
	lazyMu.Lock()
	defer lazyMu.Unlock()
	if *slot == nil {
		counter, err := otel.Meter(meterName).Int64Counter(name)
		if err != nil {
			return nil
		}
		*slot = counter
	}
	return *slot
}
