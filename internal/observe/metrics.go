// Package observe provides application-wide observability primitives for
// MAGUS: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all MAGUS metrics.
const meterName = "github.com/umindsales/magus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long dialling a live backend takes.
	ConnectDuration metric.Float64Histogram

	// ReplyLatency tracks the time from a user text turn to the completed reply.
	ReplyLatency metric.Float64Histogram

	// ChatDuration tracks chat completion latency.
	ChatDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ReconnectAttempts counts scheduled reconnects per live backend.
	ReconnectAttempts metric.Int64Counter

	// QueueDropped counts outbound messages discarded by a bounded queue.
	QueueDropped metric.Int64Counter

	// CircuitTransitions counts breaker state changes. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("state", ...)
	CircuitTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice conversations.
	ActiveSessions metric.Int64UpDownCounter

	// RelayConnections tracks open connections on the relay endpoint.
	RelayConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips and model replies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.ConnectDuration, "magus.live.connect.duration", "Latency of establishing a live backend connection."},
		{&met.ReplyLatency, "magus.live.reply.latency", "Time from a user text turn to the completed reply."},
		{&met.ChatDuration, "magus.chat.duration", "Latency of chat completions."},
		{&met.TTSDuration, "magus.tts.duration", "Latency of text-to-speech synthesis."},
	}
	for _, h := range histograms {
		inst, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "magus.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "magus.provider.errors", "Total provider errors by provider and kind."},
		{&met.ReconnectAttempts, "magus.live.reconnects", "Reconnect attempts scheduled per live backend."},
		{&met.QueueDropped, "magus.live.queue.dropped", "Outbound messages dropped by the bounded queue."},
		{&met.CircuitTransitions, "magus.circuit.transitions", "Circuit breaker state changes by provider and new state."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	var err error
	if met.ActiveSessions, err = m.Int64UpDownCounter("magus.active_sessions",
		metric.WithDescription("Number of live voice conversations."),
	); err != nil {
		return nil, err
	}
	if met.RelayConnections, err = m.Int64UpDownCounter("magus.relay.connections",
		metric.WithDescription("Number of open relay WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("magus.http.request.duration",
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with its outcome. kind is
// "chat", "tts", "stt" or "live"; status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error. kind is an error class such
// as "transport" or "remote".
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordReconnect records one scheduled reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, provider string, attempt int) {
	m.ReconnectAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.Int("attempt", attempt),
		),
	)
}

// RecordCircuitChange records a breaker moving to state.
func (m *Metrics) RecordCircuitChange(ctx context.Context, provider, state string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// ObserveDuration records the time since start on h.
func ObserveDuration(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
