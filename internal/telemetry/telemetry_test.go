package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "enabled local", mutate: func(c *Config) { c.Enabled = true }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "" }, wantErr: true},
		{name: "insecure remote", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, wantErr: true},
		{name: "secure remote", mutate: func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}},
		{name: "ipv6 loopback", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }},
		{name: "bad rate", mutate: func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, wantErr: true},
		{name: "bad protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, wantErr: true},
		{name: "zero interval", mutate: func(c *Config) { c.Enabled = true; c.ExportInterval = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:    true,
		Endpoint:   "http://localhost:4318",
		Insecure:   true,
		SampleRate: 0.25,
	}, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, "localhost:4318", stripScheme(cfg.Endpoint))
	require.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider(), "no log bridge while disabled")
	assert.Nil(t, tel.tracerProvider, "globals left untouched")
	assert.Nil(t, tel.meterProvider)
	assert.True(t, tel.Health().Healthy)
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.Nil(t, tel.LoggerProvider())
	assert.True(t, tel.Health().Degraded)
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()
	_, span := tt.tracerProvider.Tracer("recalld.test").Start(context.Background(), "Engine.Query")
	span.SetAttributes(attribute.String("namespace", "docs"), attribute.Int("top_k", 5))
	span.End()

	tt.AssertSpanExists(t, "Engine.Query")
	tt.AssertSpanAttribute(t, "Engine.Query", "namespace", "docs")
	tt.AssertSpanAttribute(t, "Engine.Query", "top_k", int64(5))
	assert.Nil(t, tt.SpanByName("missing"))

	counter, err := tt.meterProvider.Meter("recalld.test").Int64Counter("queries")
	require.NoError(t, err)
	counter.Add(context.Background(), 2, metric.WithAttributes(attribute.String("provider", "qdrant")))
	counter.Add(context.Background(), 3, metric.WithAttributes(attribute.String("provider", "embedded")))
	assert.Equal(t, int64(5), tt.CounterValue(t, "queries"))
	assert.Equal(t, int64(3), tt.CounterValue(t, "queries", attribute.String("provider", "embedded")))
	assert.Zero(t, tt.CounterValue(t, "absent"))

	assert.NotNil(t, tt.LoggerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tt.Shutdown(ctx))
}

func TestTestTelemetry_Install(t *testing.T) {
	before := otel.GetTracerProvider()

	t.Run("installed", func(t *testing.T) {
		tt := NewTestTelemetry()
		tt.Install(t)
		_, span := otel.Tracer("recalld.test").Start(context.Background(), "retrieval.QueryVectorStore")
		span.End()
		tt.AssertSpanExists(t, "retrieval.QueryVectorStore")
	})

	assert.Same(t, before, otel.GetTracerProvider(), "globals restored after the test")
}
