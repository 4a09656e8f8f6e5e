package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	httpInstrumentationName = "github.com/fyrsmithlabs/recalld/internal/http"

	// operationKey is the echo.Context key set by the operation route
	// middleware.
	operationKey = "recalld.operation"
)

// requestMetrics records one data point per request, labeled by the engine
// operation the route serves rather than the raw path.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// newRequestMetrics creates the instruments on meter. An instrument that
// cannot be created is left nil and skipped.
func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	m := &requestMetrics{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("recalld.http.requests_total",
		metric.WithDescription("HTTP requests by operation, method and status code."),
		metric.WithUnit("{request}"))
	collect(err)
	m.duration, err = meter.Float64Histogram("recalld.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by operation, method and status code."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	collect(err)
	m.size, err = meter.Int64Histogram("recalld.http.response_size_bytes",
		metric.WithDescription("Response body size. Query responses grow with topK and includeMetadata."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144, 1048576))
	collect(err)
	m.inFlight, err = meter.Int64UpDownCounter("recalld.http.in_flight",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"))
	collect(err)

	if err := errors.Join(errs...); err != nil && logger != nil {
		logger.Warn("http metrics partially unavailable", zap.Error(err))
	}
	return m
}

// globalRequestMetrics uses the global meter provider, which telemetry.New
// replaces when OTel export is enabled.
func globalRequestMetrics(logger *zap.Logger) *requestMetrics {
	return newRequestMetrics(otel.Meter(httpInstrumentationName), logger)
}

// operation tags a route with the engine operation it serves.
func operation(name string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(operationKey, name)
			return next(c)
		}
	}
}

func operationLabel(c echo.Context) string {
	if op, ok := c.Get(operationKey).(string); ok {
		return op
	}
	if c.Path() == "" {
		return "unmatched"
	}
	return "other"
}

func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			if err := next(c); err != nil {
				// Write the error response now so the status is final.
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("operation", operationLabel(c)),
				attribute.String("method", c.Request().Method),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			return nil
		}
	}
}
