package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/nexuslive"

// Span attribute keys for call spans.
const (
	AttrProvider   = attribute.Key("nexuslive.provider")
	AttrModel      = attribute.Key("nexuslive.model")
	AttrVoice      = attribute.Key("nexuslive.voice")
	AttrSessionGen = attribute.Key("nexuslive.session_gen")
)

// StartSpan starts a span on the global tracer provider. The caller must end
// it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartConnectSpan starts the span covering one call's setup: device
// acquisition and the transport handshake. End it with [EndSpan].
func StartConnectSpan(ctx context.Context, provider, model, voice string, gen uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrProvider.String(provider),
			AttrModel.String(model),
			AttrVoice.String(voice),
			AttrSessionGen.Int64(int64(gen)),
		),
	)
}

// EndSpan marks span failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID in ctx as hex, or "" when ctx carries no
// trace.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// CallLogger returns [Logger] for ctx tagged with the call's session
// generation.
func CallLogger(ctx context.Context, gen uint64) *slog.Logger {
	return Logger(ctx).With(slog.Uint64("session_gen", gen))
}
