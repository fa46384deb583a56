package telemetry

import (
	"context"

	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const loggerContextKey = contextKey("logger")

// ContextWithLogger adds a zerolog.Logger to the context
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext extracts the zerolog.Logger from the context
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// StartSpan starts a span and, when the context carries a logger, tags that
// logger with the trace and span ids.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := Tracer(TracerName).Start(ctx, name, opts...)

	if logger, ok := ctx.Value(loggerContextKey).(zerolog.Logger); ok && span.SpanContext().IsValid() {
		logger = logger.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
		ctx = ContextWithLogger(ctx, logger)
	}

	return ctx, span
}

// ChangeAttributes describes a state change as span attributes
func ChangeAttributes(change *proto.StateChange) []attribute.KeyValue {
	if change == nil {
		return nil
	}
	attrs := []attribute.KeyValue{attribute.String("entity_id", change.EntityID)}
	if change.NewState != nil {
		attrs = append(attrs, attribute.String("state.new", change.NewState.State))
	}
	if change.OldState != nil {
		attrs = append(attrs, attribute.String("state.old", change.OldState.State))
	}
	return attrs
}

// AddSpanEvent adds an event to the span in ctx
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// MarkSpanError marks the span in ctx as failed
func MarkSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
