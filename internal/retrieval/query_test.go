package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/filter"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/reranker"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// fakeEmbedder returns fixed vectors for known texts and [1, len(text)]
// for anything else.
type fakeEmbedder struct {
	vectors  map[string][]float32
	err      error
	queries  int
	closed   bool
	docCalls [][]string
}

func (f *fakeEmbedder) vector(text string) []float32 {
	if v, ok := f.vectors[text]; ok {
		return v
	}
	return []float32{1, float32(len(text))}
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector(text), nil
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.docCalls = append(f.docCalls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 2 }
func (f *fakeEmbedder) Model() string  { return "fake" }
func (f *fakeEmbedder) Close() error   { f.closed = true; return nil }

var _ embeddings.Provider = (*fakeEmbedder)(nil)

const testQuery = "find apples"

// corpus returns ten chunks whose similarity to testQuery falls with their
// index, and an embedder that knows their vectors.
func corpus() ([]ChunkInput, *fakeEmbedder) {
	emb := &fakeEmbedder{vectors: map[string][]float32{testQuery: {1, 0}}}
	inputs := make([]ChunkInput, 10)
	for i := range inputs {
		text := fmt.Sprintf("chunk number %d", i)
		if i == 7 {
			text = "apples and pears"
		}
		angle := float64(i) * 0.1
		emb.vectors[text] = []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}
		inputs[i] = ChunkInput{
			ID:       fmt.Sprintf("doc#%d", i),
			Text:     text,
			Metadata: chunk.Metadata{"page": chunk.Number(float64(i))},
		}
	}
	return inputs, emb
}

func seededStore(t *testing.T) (vectorstore.Store, *fakeEmbedder, vectorstore.Partition) {
	t.Helper()
	inputs, emb := corpus()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, vectorstore.BatchConfig{Size: 4}, nil)
	require.NoError(t, err)

	p := vectorstore.Partition{NamespaceID: "docs", TenantID: "acme"}
	chunks := make([]chunk.Chunk, len(inputs))
	for i, in := range inputs {
		chunks[i] = chunk.Chunk{ID: in.ID, Vector: emb.vector(in.Text), Text: in.Text, Metadata: in.Metadata}
	}
	require.NoError(t, store.Upsert(context.Background(), p, chunks))
	return store, emb, p
}

func ids(results []reranker.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func mustFilter(t *testing.T, doc string) filter.Expr {
	t.Helper()
	expr, err := filter.ParseJSON([]byte(doc))
	require.NoError(t, err)
	return expr
}

type failingReranker struct{ calls int }

func (f *failingReranker) Rerank(context.Context, []vectorstore.Result, reranker.Options) ([]reranker.Result, error) {
	f.calls++
	return nil, errors.New("provider timeout")
}

func TestQueryVectorStore_TopKWithoutRerank(t *testing.T) {
	store, emb, p := seededStore(t)

	resp, err := QueryVectorStore(context.Background(), Params{
		Embedder:  emb,
		Store:     store,
		Partition: p,
		Query:     testQuery,
		TopK:      5,
	})
	require.NoError(t, err)

	assert.Equal(t, testQuery, resp.Query)
	assert.Equal(t, []string{"doc#0", "doc#1", "doc#2", "doc#3", "doc#4"}, ids(resp.Results))
	assert.Nil(t, resp.UnorderedIDs)
	assert.False(t, resp.Reranked)
	for _, r := range resp.Results {
		assert.Nil(t, r.RerankScore)
		require.NotNil(t, r.Score)
	}
	assert.Equal(t, 1, emb.queries, "query embedded once")
}

func TestQueryVectorStore_RerankWithLimit(t *testing.T) {
	store, emb, p := seededStore(t)
	r, err := reranker.New(reranker.Config{Kind: reranker.KindLexical}, nil)
	require.NoError(t, err)

	resp, err := QueryVectorStore(context.Background(), Params{
		Embedder:  emb,
		Store:     store,
		Reranker:  r,
		Partition: p,
		Query:     testQuery,
		TopK:      10,
		Rerank:    &RerankOptions{Limit: 3},
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(resp.Results), 3)
	assert.Equal(t, []string{
		"doc#0", "doc#1", "doc#2", "doc#3", "doc#4",
		"doc#5", "doc#6", "doc#7", "doc#8", "doc#9",
	}, resp.UnorderedIDs)
	assert.True(t, resp.Reranked)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "doc#7", resp.Results[0].ID, "term overlap lifts the matching chunk")
	assert.NotNil(t, resp.Results[0].RerankScore)
}

func TestQueryVectorStore_RerankFailureKeepsOrder(t *testing.T) {
	store, emb, p := seededStore(t)
	log := logging.NewTestLogger()

	tests := []struct {
		name     string
		reranker reranker.Reranker
	}{
		{name: "fail-open wrapper", reranker: reranker.FailOpen(&failingReranker{}, log.Underlying())},
		{name: "bare failing reranker", reranker: &failingReranker{}},
		{name: "no reranker", reranker: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := QueryVectorStore(context.Background(), Params{
				Embedder:  emb,
				Store:     store,
				Reranker:  tt.reranker,
				Partition: p,
				Query:     testQuery,
				TopK:      6,
				Rerank:    &RerankOptions{Limit: 2},
				Logger:    log.Underlying(),
			})
			require.NoError(t, err)

			want := []string{"doc#0", "doc#1", "doc#2", "doc#3", "doc#4", "doc#5"}
			assert.Equal(t, want, ids(resp.Results), "same length, same order")
			assert.Equal(t, want, resp.UnorderedIDs)
			assert.False(t, resp.Reranked)
			for _, r := range resp.Results {
				assert.Nil(t, r.RerankScore)
			}
		})
	}
	log.AssertLogged(t, zapcore.WarnLevel, "rerank failed, returning original order")
}

func TestQueryVectorStore_EmptyResults(t *testing.T) {
	store, emb, _ := seededStore(t)

	resp, err := QueryVectorStore(context.Background(), Params{
		Embedder:  emb,
		Store:     store,
		Reranker:  &failingReranker{},
		Partition: vectorstore.Partition{NamespaceID: "never-written"},
		Query:     testQuery,
		TopK:      3,
		Rerank:    &RerankOptions{},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Nil(t, resp.UnorderedIDs, "nothing to rerank")
}

func TestQueryVectorStore_Errors(t *testing.T) {
	store, emb, p := seededStore(t)
	ctx := context.Background()

	_, err := QueryVectorStore(ctx, Params{Store: store, Query: "q", TopK: 1, Partition: p})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = QueryVectorStore(ctx, Params{Embedder: emb, Store: store, Query: "  ", TopK: 1, Partition: p})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = QueryVectorStore(ctx, Params{Embedder: emb, Store: store, Query: "q", TopK: 0, Partition: p})
	assert.ErrorIs(t, err, vectorstore.ErrInvalidTopK)

	_, err = QueryVectorStore(ctx, Params{Embedder: emb, Store: store, Query: "q", TopK: 1, Partition: p, Filter: mustFilter(t, `{"page": {"$gt": 1}}`)})
	require.Error(t, err, "embedded backend has no range operators")

	failing := &fakeEmbedder{err: embeddings.ErrEmbeddingFailed}
	_, err = QueryVectorStore(ctx, Params{Embedder: failing, Store: store, Query: "q", TopK: 1, Partition: p})
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
}

func TestQueryVectorStore_MinScoreAndFilter(t *testing.T) {
	store, emb, p := seededStore(t)
	minScore := float32(math.Cos(0.25))

	resp, err := QueryVectorStore(context.Background(), Params{
		Embedder:        emb,
		Store:           store,
		Partition:       p,
		Query:           testQuery,
		TopK:            10,
		MinScore:        &minScore,
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc#0", "doc#1", "doc#2"}, ids(resp.Results))
	assert.Equal(t, chunk.Number(1), resp.Results[1].Metadata["page"])

	resp, err = QueryVectorStore(context.Background(), Params{
		Embedder:  emb,
		Store:     store,
		Partition: p,
		Query:     testQuery,
		TopK:      10,
		Filter:    mustFilter(t, `{"page": 4}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc#4"}, ids(resp.Results))
}

func TestQueryVectorStore_Span(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tt.Install(t)
	store, emb, p := seededStore(t)

	_, err := QueryVectorStore(context.Background(), Params{
		Embedder:  emb,
		Store:     store,
		Partition: p,
		Query:     testQuery,
		TopK:      4,
		Rerank:    &RerankOptions{Limit: 2},
	})
	require.NoError(t, err)

	const name = "retrieval.QueryVectorStore"
	tt.AssertSpanAttribute(t, name, "provider", "embedded")
	tt.AssertSpanAttribute(t, name, "namespace", "docs")
	tt.AssertSpanAttribute(t, name, "top_k", int64(4))
	tt.AssertSpanAttribute(t, name, "results", int64(4))
	tt.AssertSpanAttribute(t, name, "reranked", false)
}
