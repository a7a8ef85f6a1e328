// Package observe provides application-wide observability primitives for
// livetalk: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livetalk metrics.
const meterName = "github.com/MrWong99/livetalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from connect request to the live
	// session's open event.
	ConnectDuration metric.Float64Histogram

	// AssessmentDuration tracks proficiency assessment latency.
	AssessmentDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts microphone frames forwarded to the live session.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames dropped because the consumer
	// fell behind.
	FramesDropped metric.Int64Counter

	// ChunksReceived counts audio chunks received from the live session.
	ChunksReceived metric.Int64Counter

	// ChunksSkipped counts received audio chunks that failed to decode.
	// Use with attribute:
	//   attribute.String("reason", ...)
	ChunksSkipped metric.Int64Counter

	// Turns counts completed conversation turns.
	Turns metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts sessions that ended in the error state. Use with
	// attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is the number of live sessions currently holding the
	// microphone.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks latency of the metrics and health endpoints.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bucket boundaries (in seconds) suited to
// network round trips and model inference.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0, 30.0,
}

// NewMetrics creates a [Metrics] instance using the given
// [metric.MeterProvider]. Returns an error if any instrument cannot be
// created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ConnectDuration, err = m.Float64Histogram("livetalk.connect.duration",
		metric.WithDescription("Time until the live session reports open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssessmentDuration, err = m.Float64Histogram("livetalk.assessment.duration",
		metric.WithDescription("Proficiency assessment latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("livetalk.frames.sent",
		metric.WithDescription("Microphone frames sent to the live session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livetalk.frames.dropped",
		metric.WithDescription("Microphone frames dropped before sending."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("livetalk.chunks.received",
		metric.WithDescription("Audio chunks received from the live session."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSkipped, err = m.Int64Counter("livetalk.chunks.skipped",
		metric.WithDescription("Received audio chunks skipped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("livetalk.turns",
		metric.WithDescription("Completed conversation turns."),
	); err != nil {
		return nil, err
	}

	if met.SessionErrors, err = m.Int64Counter("livetalk.session.errors",
		metric.WithDescription("Sessions that ended in the error state by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("livetalk.active_sessions",
		metric.WithDescription("Number of live sessions holding the microphone."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("livetalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordChunkSkipped records a skipped audio chunk with its reason.
func (m *Metrics) RecordChunkSkipped(ctx context.Context, reason string) {
	m.ChunksSkipped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionError records a session that ended in the error state.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordAssessment records an assessment duration with its outcome.
func (m *Metrics) RecordAssessment(ctx context.Context, seconds float64, language, status string) {
	m.AssessmentDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("status", status),
		),
	)
}
