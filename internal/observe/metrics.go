// Package observe provides application-wide observability primitives for
// nexuslive: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so that metrics can be
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

// meterName is the instrumentation scope name used for all nexuslive metrics.
const meterName = "github.com/MrWong99/nexuslive"

// Drop reasons used with [Metrics.RecordFrameDropped].
const (
	DropQueueFull = "queue_full"
	DropSendError = "send_error"
	DropLookahead = "lookahead"
	DropDecode    = "decode"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from connect() to the open callback.
	// Use with attribute.String("outcome", ...).
	ConnectDuration metric.Float64Histogram

	// PlaybackLookahead samples how far the playback cursor runs ahead of
	// the output clock each time a buffer is scheduled.
	PlaybackLookahead metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts audio that never made it through. Use with
	// attribute.String("direction", "inbound"|"outbound") and
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// AudioReceived counts decoded seconds of model audio.
	AudioReceived metric.Float64Counter

	// StatusTransitions counts status notifications. Use with
	// attribute.String("status", ...).
	StatusTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts transport failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// lookaheadBuckets defines histogram bucket boundaries (in seconds) for
// queued playback audio.
var lookaheadBuckets = []float64{
	0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("nexuslive.session.connect.duration",
		metric.WithDescription("Time from connect to an open session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLookahead, err = m.Float64Histogram("nexuslive.playback.lookahead",
		metric.WithDescription("Audio queued ahead of the output clock when a buffer is scheduled."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lookaheadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("nexuslive.capture.frames_sent",
		metric.WithDescription("Capture frames sent to the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("nexuslive.audio.frames_dropped",
		metric.WithDescription("Audio frames dropped by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioReceived, err = m.Float64Counter("nexuslive.playback.audio_received",
		metric.WithDescription("Seconds of model audio received."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.StatusTransitions, err = m.Int64Counter("nexuslive.session.status_transitions",
		metric.WithDescription("Session status notifications by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("nexuslive.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("nexuslive.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("nexuslive.http.request.duration",
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

// RecordConnect records the handshake latency for one connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, outcome string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFrameDropped records one dropped frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordStatus records one status notification.
func (m *Metrics) RecordStatus(ctx context.Context, status string) {
	m.StatusTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
