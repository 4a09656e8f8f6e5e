package reranker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RerankFailures counts rerank calls that fell back to the original order.
	RerankFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "reranker",
		Name:      "failures_total",
		Help:      "Total number of rerank calls that failed open",
	})

	// RerankDuration tracks provider latency.
	// Labels: provider
	RerankDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recalld",
		Subsystem: "reranker",
		Name:      "duration_seconds",
		Help:      "Duration of rerank provider calls in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})
)
