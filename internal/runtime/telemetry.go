package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/wheelswins/pam-core/internal/config"
)

// telemetry owns the process-wide OTel providers. Traces go to an OTLP
// collector when one is configured and to stdout otherwise; metrics are
// read through a Prometheus exporter served on /metrics.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider

	// scrape is nil when the Prometheus exporter failed to start, in
	// which case /metrics returns 404 and counters record into the noop
	// provider.
	scrape http.Handler
}

func newTelemetry(cfg config.Config, log *slog.Logger) (*telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &telemetry{}

	exporter, name, err := traceExporter(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	t.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.traces)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if promExporter, err := prometheus.New(); err != nil {
		log.Warn("prometheus exporter unavailable, metrics disabled",
			slog.String("error", err.Error()))
	} else {
		metricOpts = append(metricOpts, sdkmetric.WithReader(promExporter))
		t.scrape = promhttp.Handler()
	}
	t.metrics = sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(t.metrics)

	log.Info("telemetry initialized",
		slog.String("traces", name),
		slog.Bool("metrics", t.scrape != nil))
	return t, nil
}

// traceExporter picks OTLP over gRPC when an endpoint is configured,
// falling back to pretty-printed stdout spans for local runs.
func traceExporter(cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exporter, "stdout", err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	return exporter, "otlp:" + endpoint, err
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.metrics.Shutdown(ctx),
		t.traces.Shutdown(ctx),
	)
}
