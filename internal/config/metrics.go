package config

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var loadEvents struct {
	once    sync.Once
	counter metric.Int64Counter
}

// recordConfigValidationEvent counts load outcomes per profile. The
// instrument binds lazily so Load stays usable before the meter
// provider exists (tests, CLI tools).
func recordConfigValidationEvent(ctx context.Context, profile, outcome, errorClass string) {
	loadEvents.once.Do(func() {
		if c, err := otel.Meter("stayflow-backend").Int64Counter("config.validation.events"); err == nil {
			loadEvents.counter = c
		}
	})
	if loadEvents.counter == nil {
		return
	}
	loadEvents.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	))
}

func normalizeConfigProfile(profile string) string {
	if v := strings.TrimSpace(strings.ToLower(profile)); v != "" {
		return v
	}
	return "unknown"
}

// classifyConfigLoadError buckets load failures by origin so the
// counter cardinality stays bounded regardless of message text.
func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "validate config:"):
		return "validation"
	case strings.Contains(msg, "parse "):
		return "parse"
	case strings.Contains(msg, "env file:"):
		return "envfile"
	default:
		return "load"
	}
}
