// Package telemetry wires OpenTelemetry metrics to a Prometheus
// endpoint.
//
// Components create instruments through the global otel meter; this
// package owns the MeterProvider backing them and exposes the scrape
// handler the HTTP server mounts at /metrics. Telemetry failures
// degrade gracefully and never take the daemon down.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Telemetry manages the meter provider and the scrape endpoint.
type Telemetry struct {
	enabled       bool
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
}

// New creates a Telemetry instance. Disabled telemetry returns a no-op
// instance whose handler serves an empty exposition.
func New(cfg config.TelemetryConfig, serviceVersion string) (*Telemetry, error) {
	t := &Telemetry{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}
	if !cfg.Enabled {
		return t, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(serviceVersion),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)

	return t, nil
}

// Handler returns the /metrics scrape handler.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Enabled reports whether metrics are being collected.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.enabled
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}
