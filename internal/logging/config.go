package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"`
	Output     OutputConfig      `koanf:"output"`
	Sampling   SamplingConfig    `koanf:"sampling"`
	Caller     bool              `koanf:"caller"`
	Stacktrace zapcore.Level     `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
	Redaction  RedactionConfig   `koanf:"redaction"`
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig controls log volume reduction for entries below Keep.
// Within each Tick the first Initial entries with the same message are kept,
// then every Thereafter-th.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Keep       zapcore.Level   `koanf:"keep"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

// RedactionConfig controls sensitive data redaction.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

const maxPatternLen = 200

// NewDefaultConfig returns config with production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Keep:       zapcore.WarnLevel,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     true,
		Stacktrace: zapcore.ErrorLevel,
		Fields: map[string]string{
			"service": "recalld",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			// Key names as the vector store, reranker and Redis
			// clients spell them in headers and DSNs.
			Fields: []string{
				"api_key", "apikey", "api-key", "authorization",
				"password", "redis_password", "token", "secret",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`redis://[^:@/\s]*:[^@\s]+@`,
			},
		},
	}
}

// FromSettings builds a logging config from the service config section,
// starting from the defaults.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Output.OTEL = s.OTEL
	if s.DisableSampling {
		cfg.Sampling.Enabled = false
	}
	return cfg, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		if c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling counts must be >= 0")
		}
	}
	if c.Redaction.Enabled {
		for _, pattern := range c.Redaction.Patterns {
			if len(pattern) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, pattern)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", pattern, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
