// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleyhq/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RelayConnectDuration tracks how long the Realtime session handshake
	// takes, including reconnects.
	RelayConnectDuration metric.Float64Histogram

	// WebhookDuration tracks meeting-bot webhook processing latency.
	WebhookDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts finalized utterances. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("source", "relay"|"bot")
	Utterances metric.Int64Counter

	// CoachingCandidates counts coaching events by admission outcome. Use with:
	//   attribute.String("outcome", "admitted"|"confidence"|"cooldown"|"cap")
	CoachingCandidates metric.Int64Counter

	// RelayReconnects counts reconnection attempts against the Realtime
	// endpoint.
	RelayReconnects metric.Int64Counter

	// WebhookEvents counts bot webhook deliveries. Use with attribute:
	//   attribute.String("event", ...)
	WebhookEvents metric.Int64Counter

	// --- Error counters ---

	// RelayErrors counts errors surfaced by the speech relay.
	RelayErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRooms tracks the number of live session rooms.
	ActiveRooms metric.Int64UpDownCounter

	// ActiveClients tracks the number of connected WebSocket clients
	// across all rooms.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RelayConnectDuration, err = m.Float64Histogram("parley.relay.connect.duration",
		metric.WithDescription("Latency of the Realtime session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDuration, err = m.Float64Histogram("parley.webhook.duration",
		metric.WithDescription("Latency of meeting-bot webhook processing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("parley.utterances",
		metric.WithDescription("Total finalized utterances by speaker and source."),
	); err != nil {
		return nil, err
	}
	if met.CoachingCandidates, err = m.Int64Counter("parley.coaching.candidates",
		metric.WithDescription("Total coaching candidates by admission outcome."),
	); err != nil {
		return nil, err
	}
	if met.RelayReconnects, err = m.Int64Counter("parley.relay.reconnects",
		metric.WithDescription("Total Realtime reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.WebhookEvents, err = m.Int64Counter("parley.webhook.events",
		metric.WithDescription("Total meeting-bot webhook deliveries by event."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RelayErrors, err = m.Int64Counter("parley.relay.errors",
		metric.WithDescription("Total errors surfaced by the speech relay."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRooms, err = m.Int64UpDownCounter("parley.active_rooms",
		metric.WithDescription("Number of live session rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("parley.active_clients",
		metric.WithDescription("Number of connected clients across all rooms."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordUtterance records a finalized utterance with the standard
// attribute set.
func (m *Metrics) RecordUtterance(ctx context.Context, speaker, source string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("source", source),
		),
	)
}

// RecordCoachingCandidate records a coaching candidate's admission
// outcome.
func (m *Metrics) RecordCoachingCandidate(ctx context.Context, outcome string) {
	m.CoachingCandidates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordWebhookEvent records a meeting-bot webhook delivery.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, event string) {
	m.WebhookEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordRelayError records an error surfaced by the speech relay.
func (m *Metrics) RecordRelayError(ctx context.Context) {
	m.RelayErrors.Add(ctx, 1)
}
