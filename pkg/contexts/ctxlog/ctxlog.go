package ctxlog

import (
	"context"

	"github.com/go-kit/kit/log"
	"go.opencensus.io/trace"
)

type key int

const loggerKey key = 0

func NewContext(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger. When
// the context carries an initialized span, the trace and span ids are
// attached to every line.
func FromContext(ctx context.Context) log.Logger {
	v, ok := ctx.Value(loggerKey).(log.Logger)
	if !ok {
		return log.NewNopLogger()
	}
	span := trace.FromContext(ctx)
	if span == nil {
		return v
	}

	sc := span.SpanContext()
	if isTraceUninitialized(sc) {
		return v
	}

	return log.With(
		v,
		"trace_id", sc.TraceID.String(),
		"span_id", sc.SpanID.String(),
	)
}

// WithStage returns a context whose logger is tagged with the
// pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	v, ok := ctx.Value(loggerKey).(log.Logger)
	if !ok {
		return ctx
	}
	return NewContext(ctx, log.With(v, "stage", stage))
}

func isTraceUninitialized(span trace.SpanContext) bool {
	for _, b := range span.TraceID {
		if b != 0 {
			return false
		}
	}
	return true
}
