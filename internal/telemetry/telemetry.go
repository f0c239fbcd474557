// Package telemetry wires tracing and metrics. Tracing exports over OTLP
// only when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise spans stay
// in-process no-ops. Metrics are always registered and served at /metrics.
package telemetry

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"antigravity/internal/logging"
)

// Metrics holds the counters the runtime increments.
type Metrics struct {
	Registry *prometheus.Registry

	Dispatches   *prometheus.CounterVec
	Retries      prometheus.Counter
	BreakerOpens *prometheus.CounterVec
	StreamEvents prometheus.Counter
}

// NewMetrics builds the registry with runtime collectors plus the
// application counters.
func NewMetrics(appName string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: registry,
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "dispatches_total",
			Help:      "Dispatcher invocations by outcome.",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "webhook_retries_total",
			Help:      "Webhook retry attempts.",
		}),
		BreakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "breaker_opens_total",
			Help:      "Circuit breaker open transitions by breaker name.",
		}, []string{"breaker"}),
		StreamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "stream_events_total",
			Help:      "Streaming channel events emitted.",
		}),
	}
	registry.MustRegister(m.Dispatches, m.Retries, m.BreakerOpens, m.StreamEvents)
	return m
}

// InitTracing installs a global tracer provider. The returned shutdown
// function flushes pending spans; it is a no-op when export is disabled.
func InitTracing(ctx context.Context, serviceName string, logger logging.Logger) (func(context.Context) error, error) {
	logger = logging.OrNop(logger)

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		logger.Debug("Tracing export disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info("Tracing export enabled: %s (service %s)", endpoint, serviceName)
	return provider.Shutdown, nil
}
