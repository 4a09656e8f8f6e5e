package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Telemetry owns the tracer and meter providers recalld exports through.
// Exporter failures never stop the service: the affected signal keeps the
// global no-op provider and Health reports the reason.
type Telemetry struct {
	config *Config
	logger *zap.Logger

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	healthy  atomic.Bool
	degraded atomic.Bool

	mu     sync.Mutex
	reason string
}

// New creates providers for cfg and installs them as the otel globals, so
// the package-level tracers of the vector store adapters, the keyword store
// and the query orchestrator export through them. A disabled config yields
// an instance that only hands out no-op instruments.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Telemetry{config: cfg, logger: logger}
	t.healthy.Store(true)
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	t.installTracing(ctx, res)
	if cfg.Metrics {
		t.installMetrics(ctx, res)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

func (t *Telemetry) installTracing(ctx context.Context, res *resource.Resource) {
	exp, err := newSpanExporter(ctx, t.config)
	if err != nil {
		t.setDegraded(wrapExporterErr("trace", err))
		return
	}
	t.tracerProvider = newTracerProvider(exp, t.config, res)
	otel.SetTracerProvider(t.tracerProvider)
}

func (t *Telemetry) installMetrics(ctx context.Context, res *resource.Resource) {
	exp, err := newMetricExporter(ctx, t.config)
	if err != nil {
		t.setDegraded(wrapExporterErr("metric", err))
		return
	}
	t.meterProvider = newMeterProvider(exp, t.config, res)
	otel.SetMeterProvider(t.meterProvider)
}

// LoggerProvider is what the otelzap bridge writes log records to: the
// global OTel log provider while telemetry is enabled, nil otherwise.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.config == nil || !t.config.Enabled {
		return nil
	}
	return global.GetLoggerProvider()
}

// Shutdown flushes and stops all providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	t.healthy.Store(false)
	return errors.Join(errs...)
}

// HealthStatus is reported under "telemetry" by GET /health.
type HealthStatus struct {
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return HealthStatus{
		Healthy:  t.healthy.Load(),
		Degraded: t.degraded.Load(),
		Reason:   t.reason,
	}
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.mu.Lock()
	t.reason = err.Error()
	t.mu.Unlock()
	t.logger.Warn("telemetry degraded", zap.Error(err))
}
