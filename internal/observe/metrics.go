// Package observe provides application-wide observability primitives for
// hostline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hostline metrics.
const meterName = "github.com/MrWong99/hostline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks language-model completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency on cache misses.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks availability/reservation tool latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks the time from a finalized user turn to the end of
	// its processing.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// InboundCalls counts webhook decisions. Use with attribute:
	//   attribute.String("decision", ...)
	InboundCalls metric.Int64Counter

	// Handoffs counts started transfers. Use with attributes:
	//   attribute.String("reason", ...), attribute.String("status", ...)
	Handoffs metric.Int64Counter

	// DroppedTurns counts user turns evicted from a full turn queue.
	DroppedTurns metric.Int64Counter

	// SynthesisCache counts speech cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	SynthesisCache metric.Int64Counter

	// Reservations counts created reservations.
	Reservations metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// DroppedWrites counts background writes given up after retries. Use with
	//   attribute.String("kind", "transcript"|"notification")
	DroppedWrites metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for phone-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
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
		{&met.LLMDuration, "hostline.llm.duration", "Latency of language-model completions."},
		{&met.TTSDuration, "hostline.tts.duration", "Latency of speech synthesis on cache misses."},
		{&met.ToolExecutionDuration, "hostline.tool_execution.duration", "Latency of tool execution."},
		{&met.TurnDuration, "hostline.turn.duration", "Time from a finalized user turn to the end of its processing."},
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
		{&met.ProviderRequests, "hostline.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ToolCalls, "hostline.tool.calls", "Total tool invocations by tool name and status."},
		{&met.InboundCalls, "hostline.inbound.calls", "Inbound call decisions by decision."},
		{&met.Handoffs, "hostline.handoffs", "Started transfers by reason and status."},
		{&met.DroppedTurns, "hostline.turns.dropped", "User turns evicted from a full turn queue."},
		{&met.SynthesisCache, "hostline.synthesis_cache.lookups", "Speech cache lookups by result."},
		{&met.Reservations, "hostline.reservations", "Created reservations."},
		{&met.ProviderErrors, "hostline.provider.errors", "Total provider errors by provider and kind."},
		{&met.DroppedWrites, "hostline.background.dropped", "Background writes given up after retries by kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("hostline.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("hostline.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with its latency
// histogram. kind is "llm" or "tts"; status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool invocation and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), attrs)
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

// RecordInboundCall records a webhook decision ("connect", "forward", "reject").
func (m *Metrics) RecordInboundCall(ctx context.Context, decision string) {
	m.InboundCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordHandoff records a finished handoff.
func (m *Metrics) RecordHandoff(ctx context.Context, reason string, transferred bool) {
	status := "transferred"
	if !transferred {
		status = "failed"
	}
	m.Handoffs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("status", status),
	))
}

// RecordCacheLookup records a speech cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SynthesisCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDroppedWrite records a background write that was given up.
func (m *Metrics) RecordDroppedWrite(ctx context.Context, kind string) {
	m.DroppedWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
