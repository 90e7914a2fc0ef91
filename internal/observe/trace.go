package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/hearth"

// Span attribute keys shared by the turn pipeline and the HTTP middleware.
const (
	AttrEpoch    = attribute.Key("turn.epoch")
	AttrStage    = attribute.Key("turn.stage")
	AttrProvider = attribute.Key("provider.name")
)

// Tracer returns the hearth tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStage opens a span for one speculative pipeline stage ("llm", "tts")
// of the turn identified by epoch. The span is named "turn.<stage>". Finish
// it with [EndStage].
func StartStage(ctx context.Context, stage string, epoch uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	kv := make([]attribute.KeyValue, 0, len(attrs)+2)
	kv = append(kv, AttrStage.String(stage), AttrEpoch.Int64(int64(epoch)))
	kv = append(kv, attrs...)
	return Tracer().Start(ctx, "turn."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(kv...),
	)
}

// EndStage ends span, marking it failed when err is non-nil.
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace returns l annotated with the trace and span IDs found in ctx.
// l is returned as is when ctx carries no span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
