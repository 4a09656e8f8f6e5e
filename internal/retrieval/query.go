// Package retrieval ties embedding, vector search and optional reranking
// into one call, and routes namespaces to the vector backend serving them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/filter"
	"github.com/fyrsmithlabs/recalld/internal/reranker"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

var tracer = otel.Tracer("recalld.retrieval")

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid retrieval request")

// RerankOptions requests reranking of the raw results.
type RerankOptions struct {
	// Limit caps the reranked list. 0 keeps every result.
	Limit int `json:"limit,omitempty"`
}

// Params describes one QueryVectorStore call.
type Params struct {
	Embedder embeddings.Embedder
	Store    vectorstore.Store

	// Reranker is used when Rerank is set. A nil Reranker behaves like one
	// that failed: results keep their original order.
	Reranker reranker.Reranker

	Partition vectorstore.Partition
	Query     string
	TopK      int
	Filter    filter.Expr
	MinScore  *float32

	IncludeMetadata bool

	Rerank *RerankOptions

	Logger *zap.Logger
}

// Response is the result of QueryVectorStore.
type Response struct {
	Query string `json:"query"`

	// UnorderedIDs holds the result ids in the order the vector store
	// returned them. It is set whenever reranking was requested on a
	// non-empty result list, whether or not the reranker succeeded, and is
	// nil otherwise.
	UnorderedIDs []string `json:"unorderedIds"`

	Results []reranker.Result `json:"results"`

	// Reranked reports whether Results carry rerank scores.
	Reranked bool `json:"reranked"`
}

// QueryVectorStore embeds the query once, searches the store and, when
// asked, reranks the hits.
//
// Reranking never fails the call. Check Response.Reranked to learn whether
// the order came from the reranker.
func QueryVectorStore(ctx context.Context, p Params) (resp *Response, err error) {
	if p.Embedder == nil || p.Store == nil {
		return nil, fmt.Errorf("%w: embedder and store required", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("%w: query text required", ErrInvalidRequest)
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, span := tracer.Start(ctx, "retrieval.QueryVectorStore", trace.WithAttributes(
		attribute.String("provider", p.Store.Provider().String()),
		attribute.String("namespace", p.Partition.NamespaceID),
		attribute.Int("top_k", p.TopK),
		attribute.Bool("rerank", p.Rerank != nil),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	vector, err := p.Embedder.EmbedQuery(ctx, p.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	raw, err := p.Store.Query(ctx, p.Partition, vectorstore.QueryRequest{
		Mode:            vectorstore.ModeSemantic,
		Vector:          vector,
		TopK:            p.TopK,
		Filter:          p.Filter,
		MinScore:        p.MinScore,
		IncludeMetadata: p.IncludeMetadata,
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", p.Partition, err)
	}
	span.SetAttributes(attribute.Int("results", len(raw)))

	resp = &Response{Query: p.Query}
	if p.Rerank == nil || len(raw) == 0 {
		resp.Results = reranker.PassThrough(raw)
		return resp, nil
	}

	resp.UnorderedIDs = vectorstore.IDs(raw)
	resp.Results = rerank(ctx, p.Reranker, raw, reranker.Options{Query: p.Query, Limit: p.Rerank.Limit}, logger)
	resp.Reranked = reranker.Reranked(resp.Results)
	span.SetAttributes(attribute.Bool("reranked", resp.Reranked))
	return resp, nil
}

// rerank calls r and falls back to the raw order when r is missing or
// returns an error.
func rerank(ctx context.Context, r reranker.Reranker, raw []vectorstore.Result, opts reranker.Options, logger *zap.Logger) []reranker.Result {
	if r == nil {
		logger.Debug("rerank requested but no reranker configured")
		return reranker.PassThrough(raw)
	}
	out, err := r.Rerank(ctx, raw, opts)
	if err != nil {
		logger.Warn("rerank failed, returning original order", zap.Error(err))
		return reranker.PassThrough(raw)
	}
	return out
}
