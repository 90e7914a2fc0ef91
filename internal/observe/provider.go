package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type setup struct {
	version    string
	spans      sdktrace.SpanExporter
	registerer prometheus.Registerer
}

// SetupOption configures [Setup].
type SetupOption func(*setup)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) SetupOption {
	return func(s *setup) { s.version = v }
}

// WithSpanExporter exports finished spans in batches. Without one, spans are
// sampled and propagated but dropped on end.
func WithSpanExporter(e sdktrace.SpanExporter) SetupOption {
	return func(s *setup) { s.spans = e }
}

// WithRegisterer registers the metrics collector with reg instead of
// [prometheus.DefaultRegisterer], which /metrics serves.
func WithRegisterer(reg prometheus.Registerer) SetupOption {
	return func(s *setup) { s.registerer = reg }
}

// Setup installs the global meter provider, tracer provider and W3C
// propagator for the "hearth" service. Metrics are exposed through a
// Prometheus collector. The returned function flushes and stops both
// providers.
func Setup(ctx context.Context, opts ...SetupOption) (shutdown func(context.Context) error, err error) {
	cfg := setup{registerer: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(&cfg)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("hearth"),
		semconv.ServiceVersion(cfg.version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	collector, err := promexporter.New(promexporter.WithRegisterer(cfg.registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(collector))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.spans != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.spans))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		// Spans first so exporters can still record their own metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
