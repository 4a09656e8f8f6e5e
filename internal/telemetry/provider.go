package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// newResource describes the service. It is built standalone so its schema
// URL cannot conflict with resource.Default.
func newResource(cfg *Config) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
}

func newSpanExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	if cfg.Protocol == "http/protobuf" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newTracerProvider(exporter trace.SpanExporter, cfg *Config, res *resource.Resource) *trace.TracerProvider {
	var sampler trace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = trace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = trace.NeverSample()
	default:
		sampler = trace.TraceIDRatioBased(cfg.SampleRate)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	)
}

// cumulative temporality keeps Prometheus-compatible backends happy
// regardless of OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE.
func cumulative(metric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func newMetricExporter(ctx context.Context, cfg *Config) (metric.Exporter, error) {
	if cfg.Protocol == "http/protobuf" {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	}
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func newMeterProvider(exporter metric.Exporter, cfg *Config, res *resource.Resource) *metric.MeterProvider {
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(cfg.ExportInterval))),
	)
}

// stripScheme removes http:// or https://; the HTTP exporters want host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}

func wrapExporterErr(kind string, err error) error {
	return fmt.Errorf("creating %s exporter: %w", kind, err)
}
