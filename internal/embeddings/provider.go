package embeddings

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

var (
	_ Provider = (*TEIProvider)(nil)
	_ Provider = (*OpenAIProvider)(nil)
	_ Provider = (*FastEmbedProvider)(nil)
)

// Config selects and configures a provider.
type Config struct {
	// Provider is "openai", "tei" or "fastembed".
	Provider string

	OpenAI    OpenAIConfig
	TEI       TEIConfig
	FastEmbed FastEmbedConfig
}

// FromSettings maps the embeddings config section onto the selected
// provider's config.
func FromSettings(s config.EmbeddingsConfig) Config {
	return Config{
		Provider: strings.ToLower(s.Provider),
		OpenAI: OpenAIConfig{
			BaseURL:    s.BaseURL,
			APIKey:     s.APIKey.Value(),
			Model:      s.Model,
			Dimensions: s.Dimensions,
			MaxRetries: s.MaxRetries,
			Timeout:    s.Timeout.Duration(),
		},
		TEI: TEIConfig{
			BaseURL: s.BaseURL,
			APIKey:  s.APIKey.Value(),
			Model:   s.Model,
			Timeout: s.Timeout.Duration(),
		},
		FastEmbed: FastEmbedConfig{
			Model:    s.Model,
			CacheDir: s.CacheDir,
		},
	}
}

// New creates the provider named by cfg.Provider.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(nil, logger)

	switch cfg.Provider {
	case "openai":
		return asProvider(NewOpenAIProvider(cfg.OpenAI, metrics, logger))
	case "tei", "":
		return asProvider(NewTEIProvider(cfg.TEI, metrics, logger))
	case "fastembed":
		return asProvider(NewFastEmbedProvider(cfg.FastEmbed, metrics, logger))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

func asProvider[P Provider](p P, err error) (Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FastEmbedConfig configures the in-process ONNX embedder. It is only
// usable in binaries built with cgo.
type FastEmbedConfig struct {
	// Model is the embedding model to use.
	// Default: BAAI/bge-small-en-v1.5
	Model string

	// CacheDir holds downloaded model files.
	// Default: ./local_cache
	CacheDir string

	// MaxLength is the maximum input sequence length.
	// Default: 512
	MaxLength int

	// BatchSize is the number of passages per ONNX run.
	// Default: 256
	BatchSize int
}
