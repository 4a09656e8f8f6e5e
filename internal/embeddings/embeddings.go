// Package embeddings turns text into vectors for the retrieval engine.
//
// Three providers are available: any OpenAI-compatible /v1/embeddings
// endpoint, a Hugging Face text-embeddings-inference (TEI) server, and local
// ONNX models through FastEmbed when built with cgo. All of them record OTel
// metrics for latency, batch size and errors.
package embeddings

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder produces vectors for queries and documents. Some models embed
// the two differently, so they are separate calls.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is an Embedder with a known output size and resources to release.
type Provider interface {
	Embedder

	// Dimension returns the vector size, or 0 when it is only known after
	// the first call.
	Dimension() int

	// Model returns the configured model name.
	Model() string

	Close() error
}

func checkTexts(texts []string) error {
	if len(texts) == 0 {
		return ErrEmptyInput
	}
	for _, t := range texts {
		if t == "" {
			return ErrEmptyInput
		}
	}
	return nil
}
