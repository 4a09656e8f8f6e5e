package logging

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld"

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// buildCore tees the enabled outputs and applies sampling on top. Stdout
// goes through the redacting encoder; the OTEL bridge exports entries as
// log records correlated with the active span.
func buildCore(cfg *Config, level zapcore.LevelEnabler, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stdout {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(stdout), level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, gate(bridge, level))
	}

	switch len(cores) {
	case 0:
		return nil, errors.New("at least one output must be enabled and available")
	case 1:
		return sample(cores[0], cfg.Sampling), nil
	default:
		return sample(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}

// sample thins entries below cfg.Keep per message and tick. Entries at Keep
// or above, such as rerank fallbacks and failed backend calls, are never
// dropped.
func sample(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	keep := cfg.Keep
	kept := gate(core, keep)
	thinned := zapcore.NewSamplerWithOptions(
		gate(core, zapcore.LevelEnabler(levelBelow(keep))),
		cfg.Tick.Duration(),
		cfg.Initial,
		cfg.Thereafter,
	)
	return zapcore.NewTee(kept, thinned)
}

type levelBelow zapcore.Level

func (b levelBelow) Enabled(l zapcore.Level) bool { return l < zapcore.Level(b) }

func gate(core zapcore.Core, enabler zapcore.LevelEnabler) zapcore.Core {
	return &gatedCore{Core: core, enabler: enabler}
}

// gatedCore adds a level check in front of an inner core.
type gatedCore struct {
	zapcore.Core
	enabler zapcore.LevelEnabler
}

func (c *gatedCore) Enabled(lvl zapcore.Level) bool {
	return c.enabler.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *gatedCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enabler.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *gatedCore) With(fields []zapcore.Field) zapcore.Core {
	return &gatedCore{Core: c.Core.With(fields), enabler: c.enabler}
}
