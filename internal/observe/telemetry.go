package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName is reported as service.name on every metric and span.
const ServiceName = "nexuslive"

// TelemetryConfig configures [Setup].
type TelemetryConfig struct {
	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Registerer receives the Prometheus collector backing /metrics.
	// Defaults to [prometheus.DefaultRegisterer], which is what
	// promhttp.Handler serves.
	Registerer prometheus.Registerer

	// SpanExporter receives finished spans. When nil, spans are created for
	// correlation ids and log context but never leave the process.
	SpanExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of root traces sampled. Zero samples all.
	SampleRatio float64
}

// Telemetry owns the process-wide OpenTelemetry providers.
type Telemetry struct {
	// Metrics are the instruments bound to the Prometheus-backed meter
	// provider. Pass them to the app instead of relying on [DefaultMetrics].
	Metrics *Metrics

	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

// Setup builds the meter and tracer providers, installs them as the OTel
// globals together with the W3C trace-context propagator, and creates the
// nexuslive instruments. Call [Telemetry.Shutdown] before exiting.
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	// resource.Default carries the SDK's schema URL; ours stays schemaless to merge.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var exporterOpts []promexporter.Option
	if cfg.Registerer != nil {
		exporterOpts = append(exporterOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	reader, err := promexporter.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	traces := sdktrace.NewTracerProvider(traceOpts...)

	metrics, err := NewMetrics(meters)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("observe: create instruments: %w", err),
			meters.Shutdown(ctx),
			traces.Shutdown(ctx),
		)
	}

	otel.SetMeterProvider(meters)
	otel.SetTracerProvider(traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{Metrics: metrics, meters: meters, traces: traces}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.traces.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observe: shutdown tracer provider: %w", err))
	}
	if err := t.meters.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observe: shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
