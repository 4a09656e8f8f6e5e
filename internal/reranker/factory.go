package reranker

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a reranker.
type Config struct {
	Kind   Kind
	Cohere CohereConfig
}

// New builds the configured reranker wrapped in FailOpen.
func New(cfg Config, logger *zap.Logger) (Reranker, error) {
	var r Reranker
	switch cfg.Kind {
	case KindCohere:
		r = NewCohereReranker(cfg.Cohere)
	case KindLexical:
		r = NewLexicalReranker()
	default:
		return nil, fmt.Errorf("unsupported reranker %s", cfg.Kind)
	}
	return FailOpen(r, logger), nil
}
