package logging

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap with context-aware methods and a runtime-adjustable level.
type Logger struct {
	zap    *zap.Logger
	level  zap.AtomicLevel
	config *Config
}

// NewLogger creates a logger from config.
// otelProvider can be nil to disable OTEL output.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := zap.NewAtomicLevelAt(cfg.Level)
	core, err := buildCore(cfg, level, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create core: %w", err)
	}

	var opts []zap.Option
	if cfg.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if cfg.Stacktrace != 0 {
		opts = append(opts, zap.AddStacktrace(cfg.Stacktrace))
	}

	zapLogger := zap.New(core, opts...)
	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		zapLogger = zapLogger.With(fields...)
	}

	return &Logger{zap: zapLogger, level: level, config: cfg}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevel(), config: NewDefaultConfig()}
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = encodeLevel

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	if l.Enabled(TraceLevel) {
		l.zap.Log(TraceLevel, msg, append(ContextFields(ctx), fields...)...)
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, append(ContextFields(ctx), fields...)...)
}

// With returns a child logger sharing the parent's level.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), level: l.level, config: l.config}
}

// Named returns a child logger sharing the parent's level.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), level: l.level, config: l.config}
}

// Enabled returns true if the given level is enabled.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// SetLevel changes the minimum level for this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

// Underlying returns the wrapped zap.Logger for packages that take one
// directly.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// syncing stdout/stderr returns EINVAL or ENOTTY on Linux.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
