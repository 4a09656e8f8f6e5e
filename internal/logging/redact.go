package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

const (
	redacted = "[REDACTED]"

	// excerptRunes bounds how much query or chunk text reaches a log line.
	excerptRunes = 48
)

// Secret logs whether a backend credential is configured, and its length
// when it is.
func Secret(key string, val config.Secret) zap.Field {
	if !val.IsSet() {
		return zap.String(key, "unset")
	}
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val.Value()))+"]")
}

// Excerpt logs the start of a query or chunk text together with its full
// length in runes.
func Excerpt(key, text string) zap.Field {
	n := utf8.RuneCountInString(text)
	if n <= excerptRunes {
		return zap.String(key, text)
	}
	runes := []rune(text)
	return zap.String(key, string(runes[:excerptRunes])+"... ("+strconv.Itoa(n)+" chars)")
}

// Vector logs an embedding by its dimension only.
func Vector(key string, v []float32) zap.Field {
	return zap.String(key, "float32["+strconv.Itoa(len(v))+"]")
}

// RedactingEncoder wraps a zapcore.Encoder to redact sensitive keys and
// values matching configured patterns.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with the redaction rules in cfg.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	keys := make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		keys[strings.ToLower(f)] = struct{}{}
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{Encoder: base, keys: keys, patterns: patterns}, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	_, ok := e.keys[strings.ToLower(key)]
	return ok
}

func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			e.Encoder.AddString(key, "[REDACTED:pattern]")
			return
		}
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected redacts the whole value when the key is sensitive.
func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
