package reranker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	"github.com/cohere-ai/cohere-go/v2/option"

	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// CohereConfig configures a Cohere-compatible /v1/rerank endpoint. Jina and
// the TEI rerank route accept the same request shape.
type CohereConfig struct {
	// BaseURL is the API root.
	// Default: "https://api.cohere.com"
	BaseURL string

	APIKey string

	// Model is the rerank model name.
	// Default: "rerank-english-v3.0"
	Model string

	// Timeout bounds each request on top of the caller's deadline.
	// Default: 10s
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *CohereConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.cohere.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = "rerank-english-v3.0"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// cohereRerankClient is the part of the Cohere SDK client used here.
type cohereRerankClient interface {
	Rerank(ctx context.Context, request *cohere.RerankRequest, opts ...option.RequestOption) (*cohere.RerankResponse, error)
}

// CohereReranker calls a hosted rerank model.
type CohereReranker struct {
	client cohereRerankClient
	config CohereConfig
}

// NewCohereReranker creates a CohereReranker.
func NewCohereReranker(config CohereConfig) *CohereReranker {
	config.ApplyDefaults()
	opts := []option.RequestOption{
		option.WithBaseURL(config.BaseURL),
		option.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}
	if config.APIKey != "" {
		opts = append(opts, option.WithToken(config.APIKey))
	}
	return &CohereReranker{client: cohereclient.NewClient(opts...), config: config}
}

// Rerank implements Reranker.
func (r *CohereReranker) Rerank(ctx context.Context, results []vectorstore.Result, opts Options) ([]Result, error) {
	if len(results) == 0 {
		return []Result{}, nil
	}
	if strings.TrimSpace(opts.Query) == "" {
		return nil, errors.New("rerank query required")
	}
	start := time.Now()
	defer func() { RerankDuration.WithLabelValues(KindCohere.String()).Observe(time.Since(start).Seconds()) }()

	req := &cohere.RerankRequest{
		Model:     cohere.String(r.config.Model),
		Query:     opts.Query,
		Documents: make([]*cohere.RerankRequestDocumentsItem, len(results)),
	}
	for i, res := range results {
		req.Documents[i] = &cohere.RerankRequestDocumentsItem{String: res.Text}
	}
	if opts.Limit > 0 {
		req.TopN = cohere.Int(opts.Limit)
	}

	resp, err := r.client.Rerank(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling rerank endpoint: %w", err)
	}
	scored := make([]Scored, 0, len(resp.Results))
	for _, item := range resp.Results {
		if item != nil {
			scored = append(scored, Scored{Index: item.Index, RelevanceScore: float32(item.RelevanceScore)})
		}
	}
	return apply(results, scored, opts.Limit), nil
}
