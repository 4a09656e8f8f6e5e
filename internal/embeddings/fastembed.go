//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"

	fastembed "github.com/anush008/fastembed-go"
	"go.uber.org/zap"
)

// FastEmbedProvider runs ONNX embedding models in process.
type FastEmbedProvider struct {
	model     *fastembed.FlagEmbedding
	config    FastEmbedConfig
	dimension int
	metrics   *Metrics

	mu sync.RWMutex
}

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"fast-bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"fast-bge-small-en":                      fastembed.BGESmallEN,
	"fast-bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"fast-bge-base-en":                       fastembed.BGEBaseEN,
	"fast-bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"fast-all-MiniLM-L6-v2":                  fastembed.AllMiniLML6V2,
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig, metrics *Metrics, logger *zap.Logger) (*FastEmbedProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "BAAI/bge-small-en-v1.5"
	}
	model, ok := fastEmbedModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, cfg.Model)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "local_cache"
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = 512
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 256
	}
	if metrics == nil {
		metrics = NewMetrics(nil, logger)
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}

	return &FastEmbedProvider{
		model:     flagEmbed,
		config:    cfg,
		dimension: modelDimension(cfg.Model),
		metrics:   metrics,
	}, nil
}

// EmbedDocuments embeds texts with the "passage: " prefix BGE models expect.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.Record(ctx, "fastembed", p.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}
	vectors, err = p.model.PassageEmbed(texts, p.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// EmbedQuery embeds text with the "query: " prefix.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.Record(ctx, "fastembed", p.config.Model, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}
	vector, err = p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

// Dimension returns the model's vector size.
func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// Model returns the configured model name.
func (p *FastEmbedProvider) Model() string { return p.config.Model }

// Close releases the ONNX session.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
