package vectorstore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// OperationsTotal counts adapter operations.
	// Labels: provider, operation, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations by provider, operation and result",
		},
		[]string{"provider", "operation", "result"},
	)

	// OperationDuration tracks how long adapter operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// BatchSize tracks the number of chunks per dispatched batch.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "vectorstore",
			Name:      "batch_size",
			Help:      "Number of items per backend write batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"provider"},
	)

	// PartitionsCreated counts lazily created collections and namespaces.
	PartitionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "vectorstore",
			Name:      "partitions_created_total",
			Help:      "Total number of partitions created on first upsert",
		},
		[]string{"provider"},
	)
)

// observe records the outcome of an operation started at start.
func observe(p Provider, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(p.String(), operation, result).Inc()
	OperationDuration.WithLabelValues(p.String(), operation).Observe(time.Since(start).Seconds())
}

// instrument starts a span for an adapter operation. The returned func ends
// the span and records metrics; call it with the operation's final error.
func instrument(ctx context.Context, tracer trace.Tracer, p Provider, spanName, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("provider", p.String())))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "success")
		}
		span.End()
		observe(p, operation, start, err)
	}
}
