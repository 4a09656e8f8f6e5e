package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// TestTelemetry keeps spans and metrics in memory. Packages that take their
// tracer or meter from the otel globals are covered by Install.
type TestTelemetry struct {
	*Telemetry

	recorder *tracetest.SpanRecorder
	reader   *sdkmetric.ManualReader
}

// NewTestTelemetry creates telemetry with in-memory exporters for testing.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	t := &Telemetry{
		config:         cfg,
		logger:         zap.NewNop(),
		tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	t.healthy.Store(true)
	return &TestTelemetry{Telemetry: t, recorder: recorder, reader: reader}
}

// Install makes tt the global tracer and meter provider until the test
// ends. Tests that call it must not run in parallel. Tracers obtained from
// otel.Tracer before any provider was set follow only the first provider
// ever installed, so use it once per test binary for package-level tracers.
func (tt *TestTelemetry) Install(tb testing.TB) {
	tb.Helper()
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	otel.SetTracerProvider(tt.tracerProvider)
	otel.SetMeterProvider(tt.meterProvider)
	tb.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})
}

// Spans returns all ended spans.
func (tt *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return tt.recorder.Ended()
}

// SpanByName returns the last ended span called name, or nil.
func (tt *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	spans := tt.Spans()
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].Name() == name {
			return spans[i]
		}
	}
	return nil
}

// AssertSpanExists verifies a span with the given name ended.
func (tt *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if tt.SpanByName(name) == nil {
		tb.Errorf("expected span %q not found, got: %v", name, tt.spanNames())
	}
}

// AssertSpanAttribute verifies the span's attribute key equals expected.
// Integers compare as int64.
func (tt *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected any) {
	tb.Helper()
	span := tt.SpanByName(spanName)
	if span == nil {
		tb.Fatalf("span %q not found, got: %v", spanName, tt.spanNames())
	}
	for _, attr := range span.Attributes() {
		if string(attr.Key) != key {
			continue
		}
		if got := attr.Value.AsInterface(); got != expected {
			tb.Errorf("span %q attribute %q: got %v (%T), want %v (%T)", spanName, key, got, got, expected, expected)
		}
		return
	}
	tb.Errorf("span %q missing attribute %q", spanName, key)
}

func (tt *TestTelemetry) spanNames() []string {
	spans := tt.Spans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	return names
}

// Collect reads the current value of every instrument.
func (tt *TestTelemetry) Collect(tb testing.TB) metricdata.ResourceMetrics {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := tt.reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collecting metrics: %v", err)
	}
	return rm
}

// CounterValue sums the data points of the int64 counter name whose
// attributes include every entry of match.
func (tt *TestTelemetry) CounterValue(tb testing.TB, name string, match ...attribute.KeyValue) int64 {
	tb.Helper()
	rm := tt.Collect(tb)
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				tb.Fatalf("metric %q is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if hasAll(dp.Attributes, match) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAll(set attribute.Set, match []attribute.KeyValue) bool {
	for _, kv := range match {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}
