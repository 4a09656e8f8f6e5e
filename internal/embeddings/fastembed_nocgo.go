//go:build !cgo

package embeddings

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrFastEmbedNotAvailable is returned when embeddings.provider is
// fastembed in a binary built with CGO_ENABLED=0.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not compiled in (built without cgo); set embeddings.provider to tei or openai")

// FastEmbedProvider exists so the provider switch compiles without cgo.
type FastEmbedProvider struct{}

func NewFastEmbedProvider(FastEmbedConfig, *Metrics, *zap.Logger) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) Dimension() int { return 0 }
func (*FastEmbedProvider) Model() string  { return "" }
func (*FastEmbedProvider) Close() error   { return nil }
