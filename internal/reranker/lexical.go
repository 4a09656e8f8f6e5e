package reranker

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// LexicalReranker scores results by query term overlap blended with the
// original vector score. It needs no external service.
type LexicalReranker struct {
	// OverlapWeight is the share of the final score given to term overlap.
	// Default: 0.5
	OverlapWeight float32
}

// NewLexicalReranker creates a LexicalReranker with equal weights.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{OverlapWeight: 0.5}
}

// Rerank implements Reranker. Results are sorted by the blended score; ties
// keep their original order. An empty query returns the original order
// with the original scores.
func (r *LexicalReranker) Rerank(ctx context.Context, results []vectorstore.Result, opts Options) ([]Result, error) {
	start := time.Now()
	defer func() { RerankDuration.WithLabelValues(KindLexical.String()).Observe(time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return apply(results, r.score(opts.Query, results), opts.Limit), nil
}

func (r *LexicalReranker) score(query string, results []vectorstore.Result) []Scored {
	queryTokens := tokenize(query)
	weight := r.OverlapWeight
	if weight <= 0 || weight > 1 {
		weight = 0.5
	}

	scored := make([]Scored, len(results))
	for i, res := range results {
		var original float32
		if res.Score != nil {
			original = *res.Score
		}
		if len(queryTokens) == 0 {
			scored[i] = Scored{Index: i, RelevanceScore: original}
			continue
		}
		overlap := termOverlap(queryTokens, tokenize(res.Text))
		scored[i] = Scored{Index: i, RelevanceScore: (1-weight)*original + weight*overlap}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RelevanceScore > scored[j].RelevanceScore
	})
	return scored
}

// tokenize splits text into lowercase terms longer than two characters,
// dropping common English stopwords.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isAlphanumeric(r)
	})
	filtered := tokens[:0]
	for _, token := range tokens {
		if len(token) > 2 && !stopwords[token] {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_'
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "was": true, "are": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true,
	"how": true,
}

// termOverlap is the fraction of distinct query terms present in the
// document.
func termOverlap(queryTokens, docTokens []string) float32 {
	distinct := make(map[string]bool, len(queryTokens))
	for _, t := range queryTokens {
		distinct[t] = true
	}
	if len(distinct) == 0 {
		return 0
	}
	docSet := make(map[string]bool, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = true
	}
	matches := 0
	for t := range distinct {
		if docSet[t] {
			matches++
		}
	}
	return float32(matches) / float32(len(distinct))
}
