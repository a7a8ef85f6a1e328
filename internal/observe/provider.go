package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Trace exporter names accepted by [ProviderConfig.TraceExporter].
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "livetalk".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter selects where spans go: "none" (recorded, not exported)
	// or "stdout". Empty means "none".
	TraceExporter string

	// TraceWriter receives stdout spans. Defaults to os.Stderr so spans
	// never interleave with the transcript printed on stdout.
	TraceWriter io.Writer
}

// InitProvider initialises the OTel SDK with the given config:
//
//   - A [sdkmetric.MeterProvider] bridged to the Prometheus default registry,
//     served by [MetricsHandler].
//   - A [sdktrace.TracerProvider] with the selected span exporter.
//
// Both providers are registered globally. The returned shutdown function
// flushes and closes exporters.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "livetalk"
	}
	if cfg.TraceWriter == nil {
		cfg.TraceWriter = os.Stderr
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error

	// --- Metrics ---
	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	// --- Traces ---
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch cfg.TraceExporter {
	case "", TraceExporterNone:
	case TraceExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.TraceWriter))
		if err != nil {
			_ = mp.Shutdown(ctx)
			return nil, fmt.Errorf("observe: stdout trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	default:
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("observe: unknown trace exporter %q", cfg.TraceExporter)
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if e := fn(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		return errors.Join(errs...)
	}
	return shutdown, nil
}

// MetricsHandler serves the Prometheus scrape endpoint for metrics recorded
// through the provider installed by [InitProvider].
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
