package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRequestMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newRequestMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.middleware())
	ns := e.Group("/api/v1/namespaces/:namespace")
	ns.GET("/dimensions", func(c echo.Context) error {
		return c.String(http.StatusOK, "3")
	}, operation("dimensions"))
	ns.POST("/query", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad filter")
	}, operation("query"))
	e.GET("/untagged", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/namespaces/alpha/dimensions"},
		{http.MethodGet, "/api/v1/namespaces/beta/dimensions"},
		{http.MethodPost, "/api/v1/namespaces/alpha/query"},
		{http.MethodGet, "/untagged"},
		{http.MethodGet, "/nowhere"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	var observed uint64
	var inFlight int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			switch mt.Name {
			case "recalld.http.requests_total":
				sum, ok := mt.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					op, _ := dp.Attributes.Value("operation")
					status, _ := dp.Attributes.Value("status")
					counts[op.AsString()+" "+status.Emit()] += dp.Value
				}
			case "recalld.http.request_duration_seconds":
				hist, ok := mt.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					observed += dp.Count
				}
			case "recalld.http.in_flight":
				sum, ok := mt.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				inFlight = 0
				for _, dp := range sum.DataPoints {
					inFlight += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(2), counts["dimensions 200"], "namespace ids never become label values")
	assert.Equal(t, int64(1), counts["query 400"])
	assert.Equal(t, int64(1), counts["other 204"])
	var total int64
	for label, n := range counts {
		assert.NotContains(t, label, "alpha")
		total += n
	}
	assert.Equal(t, int64(5), total)
	assert.Equal(t, uint64(5), observed)
	assert.Zero(t, inFlight, "every request leaves the in-flight gauge")
}

func TestOperationLabel(t *testing.T) {
	e := echo.New()
	tests := []struct {
		name string
		path string
		op   any
		want string
	}{
		{name: "tagged", path: "/api/v1/namespaces/:namespace/query", op: "query", want: "query"},
		{name: "untagged route", path: "/health", want: "other"},
		{name: "no route", want: "unmatched"},
		{name: "wrong type", path: "/x", op: 7, want: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
			c.SetPath(tt.path)
			if tt.op != nil {
				c.Set(operationKey, tt.op)
			}
			assert.Equal(t, tt.want, operationLabel(c))
		})
	}
}
