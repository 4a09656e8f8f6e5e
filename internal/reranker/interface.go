// Package reranker reorders search results by relevance to a query.
package reranker

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Result is a search result with the reranker's score attached. RerankScore
// is nil when reranking did not happen.
type Result struct {
	vectorstore.Result
	RerankScore *float32 `json:"rerankScore,omitempty"`
}

// Options controls one rerank call.
type Options struct {
	Query string

	// Limit caps the number of results returned. 0 keeps all.
	Limit int
}

// Reranker reorders results by relevance to Options.Query.
type Reranker interface {
	Rerank(ctx context.Context, results []vectorstore.Result, opts Options) ([]Result, error)
}

// Kind identifies a reranker implementation.
type Kind int

const (
	KindCohere Kind = iota + 1
	KindLexical
)

func (k Kind) String() string {
	switch k {
	case KindCohere:
		return "cohere"
	case KindLexical:
		return "lexical"
	default:
		return fmt.Sprintf("reranker(%d)", int(k))
	}
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cohere":
		return KindCohere, nil
	case "lexical", "simple":
		return KindLexical, nil
	default:
		return 0, fmt.Errorf("unknown reranker %q", s)
	}
}

// Scored pairs a position in the input list with a relevance score.
type Scored struct {
	Index          int     `json:"index"`
	RelevanceScore float32 `json:"relevance_score"`
}

// apply maps scored positions back onto results, in the order given.
// Out-of-range and repeated indices are dropped.
func apply(results []vectorstore.Result, scored []Scored, limit int) []Result {
	out := make([]Result, 0, len(scored))
	seen := make(map[int]bool, len(scored))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(results) || seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		score := s.RelevanceScore
		out = append(out, Result{Result: results[s.Index], RerankScore: &score})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// PassThrough wraps results without scores, keeping their order.
func PassThrough(results []vectorstore.Result) []Result {
	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = Result{Result: r}
	}
	return out
}
