package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/embeddings"

// Metrics records embedding calls.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates instruments on meter, or on the global meter provider
// when meter is nil. Instruments that fail to register are skipped.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"recalld.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls by provider, model and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"recalld.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding call."),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"recalld.embedding.errors_total",
		metric.WithDescription("Failed embedding calls."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}
	return m
}

// Record records one embedding call.
func (m *Metrics) Record(ctx context.Context, provider, model, operation string, duration time.Duration, batchSize int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
