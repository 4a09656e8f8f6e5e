package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	// BaseURL overrides the API base, for Azure, vLLM, Ollama and other
	// compatible servers. Empty uses api.openai.com.
	BaseURL string

	APIKey string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests shortened vectors from models that support it.
	// 0 keeps the model's native size.
	Dimensions int

	// BatchSize bounds inputs per request.
	// Default: 256
	BatchSize int

	// MaxRetries retries rate limits and server errors.
	// Default: 0
	MaxRetries int

	// Timeout bounds each request.
	// Default: 30s
	Timeout time.Duration
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.APIKey == "" && c.BaseURL == "" {
		return fmt.Errorf("%w: api key required for api.openai.com", ErrInvalidConfig)
	}
	if c.Dimensions < 0 {
		return fmt.Errorf("%w: dimensions must not be negative", ErrInvalidConfig)
	}
	return nil
}

// OpenAIProvider embeds through the openai-go client.
type OpenAIProvider struct {
	client  openai.Client
	config  OpenAIConfig
	metrics *Metrics
	logger  *zap.Logger
}

// NewOpenAIProvider creates an OpenAI-compatible provider. The SDK's own
// retry loop is disabled; retries go through retry-go so only rate limits
// and 5xx responses are retried.
func NewOpenAIProvider(config OpenAIConfig, metrics *Metrics, logger *zap.Logger) (*OpenAIProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Model == "" {
		config.Model = openai.EmbeddingModelTextEmbedding3Small
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil, logger)
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(config.Timeout),
	}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIProvider{
		client:  openai.NewClient(opts...),
		config:  config,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// EmbedDocuments embeds texts in batches, preserving order.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.Record(ctx, "openai", p.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if err := checkTexts(texts); err != nil {
		return nil, err
	}

	vectors = make([][]float32, 0, len(texts))
	for _, batch := range lo.Chunk(texts, p.config.BatchSize) {
		out, err := p.embed(ctx, batch)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, out...)
	}
	return vectors, nil
}

// EmbedQuery embeds a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.Record(ctx, "openai", p.config.Model, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, ErrEmptyInput
	}
	out, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (p *OpenAIProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: p.config.Model,
	}
	if p.config.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(p.config.Dimensions))
	}

	var resp *openai.CreateEmbeddingResponse
	err := retry.Do(
		func() error {
			var err error
			resp, err = p.client.Embeddings.New(ctx, params)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.config.MaxRetries)+1),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryableOpenAIError),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("retrying embedding request", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("%w: response index %d out of range", ErrEmbeddingFailed, d.Index)
		}
		vectors[d.Index] = lo.Map(d.Embedding, func(v float64, _ int) float32 { return float32(v) })
	}
	return vectors, nil
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

// Dimension returns the requested or known dimension, or 0.
func (p *OpenAIProvider) Dimension() int {
	if p.config.Dimensions > 0 {
		return p.config.Dimensions
	}
	return modelDimension(p.config.Model)
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string { return p.config.Model }

// Close is a no-op.
func (p *OpenAIProvider) Close() error { return nil }
