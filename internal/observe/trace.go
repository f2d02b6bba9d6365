package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/hostline"

// Call identifies the phone call a context belongs to.
type Call struct {
	StreamID string
	CallID   string
	TenantID string
}

type callKey struct{}

// WithCall returns a context carrying c. Spans and loggers derived from it
// are tagged with the call identifiers.
func WithCall(ctx context.Context, c Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the call stored by [WithCall].
func CallFrom(ctx context.Context) (Call, bool) {
	c, ok := ctx.Value(callKey{}).(Call)
	return c, ok
}

func (c Call) attributes() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if c.StreamID != "" {
		kv = append(kv, attribute.String("hostline.stream_id", c.StreamID))
	}
	if c.CallID != "" {
		kv = append(kv, attribute.String("hostline.call_id", c.CallID))
	}
	if c.TenantID != "" {
		kv = append(kv, attribute.String("hostline.tenant_id", c.TenantID))
	}
	return kv
}

// Tracer returns the hostline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx carries a call, the span gets
// its identifiers as attributes. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if c, ok := CallFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(c.attributes()...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the active span in ctx, or "". It is
// sent back to Twilio as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the call identifiers and the trace
// and span ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if c, ok := CallFrom(ctx); ok {
		if c.StreamID != "" {
			l = l.With("stream_id", c.StreamID)
		}
		if c.CallID != "" {
			l = l.With("call_id", c.CallID)
		}
		if c.TenantID != "" {
			l = l.With("tenant_id", c.TenantID)
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return l
}
