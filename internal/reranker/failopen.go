package reranker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

var errEmptyRerank = errors.New("reranker returned no usable results")

// FailOpenReranker never fails: when the wrapped reranker errors or panics
// it returns the input unchanged, same length and order, without scores.
type FailOpenReranker struct {
	next   Reranker
	logger *zap.Logger
}

// FailOpen wraps r.
func FailOpen(r Reranker, logger *zap.Logger) *FailOpenReranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailOpenReranker{next: r, logger: logger}
}

// Rerank implements Reranker. The returned error is always nil.
func (f *FailOpenReranker) Rerank(ctx context.Context, results []vectorstore.Result, opts Options) ([]Result, error) {
	out, err := f.try(ctx, results, opts)
	if err == nil && len(out) == 0 && len(results) > 0 {
		err = errEmptyRerank
	}
	if err != nil {
		RerankFailures.Inc()
		f.logger.Warn("rerank failed, returning original order",
			zap.Int("results", len(results)),
			zap.Error(err),
		)
		return PassThrough(results), nil
	}
	return out, nil
}

// Reranked reports whether out carries rerank scores.
func Reranked(out []Result) bool {
	return len(out) > 0 && out[0].RerankScore != nil
}

func (f *FailOpenReranker) try(ctx context.Context, results []vectorstore.Result, opts Options) (out []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reranker panicked: %v", r)
		}
	}()
	return f.next.Rerank(ctx, results, opts)
}
