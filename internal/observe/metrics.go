// Package observe holds the OpenTelemetry plumbing of hearth: turn and
// session metrics, spans around the speculative pipeline stages, and the
// HTTP middleware of the UI server.
//
// [Setup] installs the global providers and exposes metrics to Prometheus.
// [DefaultMetrics] records against the global meter provider; tests build
// their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hearth metrics.
const meterName = "github.com/MrWong99/hearth"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks reply generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnLatency tracks the time from the last speech of a turn to the
	// moment its reply starts playing.
	TurnLatency metric.Float64Histogram

	// SwapDuration tracks how long an input swap took, retries included.
	SwapDuration metric.Float64Histogram

	// ColdStartDuration tracks full engine start-up time.
	ColdStartDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Turns counts finished turn candidates by outcome
	// (spoken, cancelled, failed).
	Turns metric.Int64Counter

	// Interruptions counts epoch bumps caused by user speech or a stop command.
	// Use with attribute.String("source", ...).
	Interruptions metric.Int64Counter

	// StaleResults counts stage results discarded because the epoch moved on.
	// Use with attribute.String("stage", ...).
	StaleResults metric.Int64Counter

	// Swaps counts input swaps by status (ok, retried, degraded).
	Swaps metric.Int64Counter

	// ColdStarts counts engine cold starts by reason (initial, degraded,
	// feed_lost).
	ColdStarts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live recognition sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time, keyed by
	// http.request.method and url.path. For websockets it spans the whole
	// connection.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for voice
// turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.LLMDuration, "hearth.llm.duration", "Latency of reply generation."},
		{&met.TTSDuration, "hearth.tts.duration", "Latency of speech synthesis."},
		{&met.TurnLatency, "hearth.turn.latency", "Time from last user speech to reply playback."},
		{&met.SwapDuration, "hearth.session.swap.duration", "Duration of input stream swaps."},
		{&met.ColdStartDuration, "hearth.session.cold_start.duration", "Duration of full engine starts."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "hearth.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "hearth.provider.errors", "Total provider errors by provider and kind."},
		{&met.Turns, "hearth.turns", "Finished turn candidates by outcome."},
		{&met.Interruptions, "hearth.interruptions", "Pipeline interruptions by source."},
		{&met.StaleResults, "hearth.stale_results", "Stage results discarded for an outdated epoch."},
		{&met.Swaps, "hearth.session.swaps", "Input stream swaps by status."},
		{&met.ColdStarts, "hearth.session.cold_starts", "Engine cold starts by reason."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("hearth.active_sessions",
		metric.WithDescription("Number of live recognition sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("hearth.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a finished turn candidate.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordInterruption records an epoch bump caused by source ("speech" or
// "stop").
func (m *Metrics) RecordInterruption(ctx context.Context, source string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordStaleResult records a discarded stage result.
func (m *Metrics) RecordStaleResult(ctx context.Context, stage string) {
	m.StaleResults.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSwap records an input swap and its duration.
func (m *Metrics) RecordSwap(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Swaps.Add(ctx, 1, attrs)
	m.SwapDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordColdStart records a cold start and its duration.
func (m *Metrics) RecordColdStart(ctx context.Context, reason string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.ColdStarts.Add(ctx, 1, attrs)
	m.ColdStartDuration.Record(ctx, d.Seconds(), attrs)
}
