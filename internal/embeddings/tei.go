package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// TEIConfig configures a text-embeddings-inference server.
type TEIConfig struct {
	// BaseURL of the TEI server, e.g. http://localhost:8080.
	BaseURL string

	// Model is reported in metrics and used to look up the dimension;
	// the server decides what it actually runs.
	Model string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// BatchSize bounds inputs per request.
	// Default: 32 (TEI's max_client_batch_size default)
	BatchSize int

	// Timeout bounds each request.
	// Default: 30s
	Timeout time.Duration
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// TEIProvider calls the /embed endpoint of a TEI server.
type TEIProvider struct {
	config  TEIConfig
	client  *http.Client
	metrics *Metrics
}

// NewTEIProvider creates a TEI provider.
func NewTEIProvider(config TEIConfig, metrics *Metrics, logger *zap.Logger) (*TEIProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil, logger)
	}
	return &TEIProvider{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		metrics: metrics,
	}, nil
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// EmbedDocuments embeds texts in batches, preserving order.
func (p *TEIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.Record(ctx, "tei", p.config.Model, "embed_documents", time.Since(start), len(texts), err)
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
func (p *TEIProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.Record(ctx, "tei", p.config.Model, "embed_query", time.Since(start), 1, err)
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

func (p *TEIProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, nil
}

// Dimension returns the known dimension of the configured model, or 0.
func (p *TEIProvider) Dimension() int { return modelDimension(p.config.Model) }

// Model returns the configured model name.
func (p *TEIProvider) Model() string { return p.config.Model }

// Close is a no-op.
func (p *TEIProvider) Close() error { return nil }
