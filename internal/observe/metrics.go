// Package observe provides application-wide observability primitives for
// classmesh: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served on /metrics via
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all classmesh metrics.
const meterName = "github.com/classmesh/classmesh"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// JoinDuration tracks admission latency, identity lookup included.
	JoinDuration metric.Float64Histogram

	// IdentityDuration tracks identity and class directory lookups.
	IdentityDuration metric.Float64Histogram

	// --- Counters ---

	// Joins counts join attempts. Use with attribute:
	//   attribute.String("status", "ok"|"not_authorized"|"room_unavailable"|...)
	Joins metric.Int64Counter

	// Signals counts relayed signaling payloads. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", "delivered"|"target_not_found")
	Signals metric.Int64Counter

	// Broadcasts counts room-wide events fanned out by coordinators. Use with
	// attribute: attribute.String("type", ...)
	Broadcasts metric.Int64Counter

	// ChatMessages counts accepted chat messages.
	ChatMessages metric.Int64Counter

	// IdentityLookups counts identity lookups. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	IdentityLookups metric.Int64Counter

	// --- Error counters ---

	// DroppedMessages counts outbound messages that could not be queued to a
	// connection. Use with attribute: attribute.String("reason", ...)
	DroppedMessages metric.Int64Counter

	// --- Gauges ---

	// ActiveRooms tracks the number of live room coordinators.
	ActiveRooms metric.Int64UpDownCounter

	// ActiveParticipants tracks admitted participants across all rooms.
	ActiveParticipants metric.Int64UpDownCounter

	// ActiveConnections tracks open signaling sockets, joined or not.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// control-plane operations.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JoinDuration, err = m.Float64Histogram("classmesh.join.duration",
		metric.WithDescription("Latency of room admission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IdentityDuration, err = m.Float64Histogram("classmesh.identity.duration",
		metric.WithDescription("Latency of identity and class lookups."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Joins, err = m.Int64Counter("classmesh.joins",
		metric.WithDescription("Total join attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Signals, err = m.Int64Counter("classmesh.signals",
		metric.WithDescription("Total relayed signaling payloads by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("classmesh.broadcasts",
		metric.WithDescription("Total room-wide events by type."),
	); err != nil {
		return nil, err
	}
	if met.ChatMessages, err = m.Int64Counter("classmesh.chat.messages",
		metric.WithDescription("Total accepted chat messages."),
	); err != nil {
		return nil, err
	}
	if met.IdentityLookups, err = m.Int64Counter("classmesh.identity.lookups",
		metric.WithDescription("Total identity lookups by operation and outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DroppedMessages, err = m.Int64Counter("classmesh.messages.dropped",
		metric.WithDescription("Outbound messages dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRooms, err = m.Int64UpDownCounter("classmesh.active_rooms",
		metric.WithDescription("Number of live room coordinators."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("classmesh.active_participants",
		metric.WithDescription("Number of admitted participants across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("classmesh.active_connections",
		metric.WithDescription("Number of open signaling connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("classmesh.http.request.duration",
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
// pointer.
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

// MetricsHandler serves the Prometheus registry that [InitProvider] exports to.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordJoin records a join attempt and its latency.
func (m *Metrics) RecordJoin(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Joins.Add(ctx, 1, attrs)
	m.JoinDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSignal records one relayed signaling payload.
func (m *Metrics) RecordSignal(ctx context.Context, kind, status string) {
	m.Signals.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordBroadcast records one room-wide event.
func (m *Metrics) RecordBroadcast(ctx context.Context, typ string) {
	m.Broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordDrop records an outbound message that was not queued.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.DroppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordIdentityLookup records one identity or class lookup.
func (m *Metrics) RecordIdentityLookup(ctx context.Context, op, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	)
	m.IdentityLookups.Add(ctx, 1, attrs)
	m.IdentityDuration.Record(ctx, d.Seconds(), attrs)
}
