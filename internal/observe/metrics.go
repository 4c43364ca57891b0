// Package observe provides application-wide observability primitives for
// livegate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup]
// installs a Prometheus exporter bridge whose registry is served by
// [Telemetry.MetricsHandler]. [DefaultMetrics] binds to the global meter
// provider; tests use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livegate metrics.
const meterName = "github.com/MrWong99/livegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the backend handshake takes.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stay active, in seconds.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts Start attempts. Use with attribute:
	//   attribute.String("status", "ok" | <fault kind>)
	SessionStarts metric.Int64Counter

	// SessionFaults counts sessions torn down by a fault. Use with attribute:
	//   attribute.String("kind", ...)
	SessionFaults metric.Int64Counter

	// FanoutDrops counts messages discarded for slow consumers. Use with
	// attribute:
	//   attribute.String("consumer", ...)
	FanoutDrops metric.Int64Counter

	// ProviderRequests counts backend connect attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ActionsProposed counts new pending actions. Use with attribute:
	//   attribute.String("origin", ...)
	ActionsProposed metric.Int64Counter

	// ActionsResolved counts decided actions. Use with attribute:
	//   attribute.String("status", "approved" | "rejected")
	ActionsResolved metric.Int64Counter

	// ActionConflicts counts resolution attempts that lost the race.
	ActionConflicts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingActions tracks actions awaiting review.
	PendingActions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network handshakes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// sessionBuckets covers sessions from a few seconds to a couple of hours.
var sessionBuckets = []float64{
	5, 15, 30, 60, 300, 600, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livegate.connect.duration",
		metric.WithDescription("Latency of the backend session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livegate.session.duration",
		metric.WithDescription("Wall-clock duration of live sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionStarts, err = m.Int64Counter("livegate.session.starts",
		metric.WithDescription("Session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionFaults, err = m.Int64Counter("livegate.session.faults",
		metric.WithDescription("Sessions torn down by a fault, by fault kind."),
	); err != nil {
		return nil, err
	}
	if met.FanoutDrops, err = m.Int64Counter("livegate.fanout.drops",
		metric.WithDescription("Messages dropped for slow stream consumers."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("livegate.provider.requests",
		metric.WithDescription("Backend connect attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ActionsProposed, err = m.Int64Counter("livegate.actions.proposed",
		metric.WithDescription("Pending actions proposed, by origin."),
	); err != nil {
		return nil, err
	}
	if met.ActionsResolved, err = m.Int64Counter("livegate.actions.resolved",
		metric.WithDescription("Pending actions resolved, by final status."),
	); err != nil {
		return nil, err
	}
	if met.ActionConflicts, err = m.Int64Counter("livegate.actions.conflicts",
		metric.WithDescription("Resolution attempts on an already resolved action."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livegate.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingActions, err = m.Int64UpDownCounter("livegate.pending_actions",
		metric.WithDescription("Number of actions awaiting review."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livegate.http.request.duration",
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
// pointer. Panics if instrument creation fails.
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

// RecordProviderRequest records a backend connect attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordSessionStart records the outcome of a Start call. status is "ok" or
// the fault kind.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionFault records a fault-driven teardown.
func (m *Metrics) RecordSessionFault(ctx context.Context, kind string) {
	m.SessionFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDrop records a message dropped for consumer.
func (m *Metrics) RecordDrop(ctx context.Context, consumer string) {
	m.FanoutDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer", consumer)))
}

// RecordActionProposed records a new pending action.
func (m *Metrics) RecordActionProposed(ctx context.Context, origin string) {
	m.ActionsProposed.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
	m.PendingActions.Add(ctx, 1)
}

// RecordActionResolved records a successful resolution.
func (m *Metrics) RecordActionResolved(ctx context.Context, status string) {
	m.ActionsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.PendingActions.Add(ctx, -1)
}
