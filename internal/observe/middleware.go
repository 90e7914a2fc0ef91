package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace ID of every response.
const TraceHeader = "X-Trace-ID"

// quietPaths are polled by orchestrators and scrapers; their requests are
// logged at debug level only.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type responseState struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (s *responseState) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *responseState) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required for the /ws upgrade.
func (s *responseState) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: hijack not supported")
	}
	s.status = http.StatusSwitchingProtocols
	s.upgraded = true
	return h.Hijack()
}

// Middleware traces, times and logs every request served by next. Incoming
// W3C trace context is honoured so a UI client can join its own trace. For
// upgraded UI connections the recorded duration is the lifetime of the
// websocket. A nil log falls back to [slog.Default].
func Middleware(m *Metrics, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			prop := otel.GetTextMapPropagator()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if id := TraceID(ctx); id != "" {
				w.Header().Set(TraceHeader, id)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			st := &responseState{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(st, r.WithContext(ctx))

			elapsed := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(st.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			))

			level, msg := slog.LevelInfo, "http: request served"
			switch {
			case st.upgraded:
				msg = "http: ui connection closed"
			case quietPaths[r.URL.Path]:
				level = slog.LevelDebug
			}
			WithTrace(ctx, log).Log(ctx, level, msg,
				"method", r.Method,
				"path", r.URL.Path,
				"status", st.status,
				"duration", elapsed,
			)
		})
	}
}
