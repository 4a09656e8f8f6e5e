package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel is for wire-level detail such as translated backend filters
// and per-batch upserts.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses "trace" or any zap level name.
func LevelFromString(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// LevelName is the inverse of LevelFromString.
func LevelName(l zapcore.Level) string {
	if l == TraceLevel {
		return "trace"
	}
	return l.String()
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(LevelName(l))
}
