package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	"github.com/cohere-ai/cohere-go/v2/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

func result(id, text string, score float32) vectorstore.Result {
	return vectorstore.Result{ID: id, Text: text, Score: &score}
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

type stubReranker struct {
	out   []Result
	err   error
	panic bool
}

func (s stubReranker) Rerank(context.Context, []vectorstore.Result, Options) ([]Result, error) {
	if s.panic {
		panic("boom")
	}
	return s.out, s.err
}

func TestApply(t *testing.T) {
	in := []vectorstore.Result{result("a", "", 0.1), result("b", "", 0.2), result("c", "", 0.3)}

	tests := []struct {
		name   string
		scored []Scored
		limit  int
		want   []string
	}{
		{name: "reorders", scored: []Scored{{2, 0.9}, {0, 0.5}, {1, 0.1}}, want: []string{"c", "a", "b"}},
		{name: "drops out of range", scored: []Scored{{5, 0.9}, {-1, 0.8}, {1, 0.1}}, want: []string{"b"}},
		{name: "drops duplicates", scored: []Scored{{0, 0.9}, {0, 0.8}, {2, 0.1}}, want: []string{"a", "c"}},
		{name: "limit", scored: []Scored{{2, 0.9}, {0, 0.5}, {1, 0.1}}, limit: 2, want: []string{"c", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := apply(in, tt.scored, tt.limit)
			assert.Equal(t, tt.want, ids(out))
			for _, r := range out {
				require.NotNil(t, r.RerankScore)
			}
		})
	}

	out := apply(in, []Scored{{2, 0.75}}, 0)
	assert.Equal(t, float32(0.75), *out[0].RerankScore)
	assert.Equal(t, float32(0.3), *out[0].Score, "original score kept")
}

func TestFailOpen(t *testing.T) {
	in := []vectorstore.Result{result("a", "x", 0.9), result("b", "y", 0.8), result("c", "z", 0.7)}
	score := float32(1)

	tests := []struct {
		name     string
		next     Reranker
		want     []string
		reranked bool
		warns    int
	}{
		{name: "error", next: stubReranker{err: context.DeadlineExceeded}, want: []string{"a", "b", "c"}, warns: 1},
		{name: "panic", next: stubReranker{panic: true}, want: []string{"a", "b", "c"}, warns: 1},
		{name: "empty output", next: stubReranker{out: []Result{}}, want: []string{"a", "b", "c"}, warns: 1},
		{
			name:     "success",
			next:     stubReranker{out: []Result{{Result: in[2], RerankScore: &score}}},
			want:     []string{"c"},
			reranked: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := logging.NewTestLogger()
			out, err := FailOpen(tt.next, logs.Underlying()).Rerank(context.Background(), in, Options{Query: "q"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(out))
			assert.Equal(t, tt.reranked, Reranked(out))
			if !tt.reranked {
				for _, r := range out {
					assert.Nil(t, r.RerankScore)
				}
			}
			assert.Equal(t, tt.warns, logs.FilterMessage("rerank failed, returning original order").Len())
		})
	}
}

func TestLexicalReranker(t *testing.T) {
	in := []vectorstore.Result{
		result("doc1", "use retry with exponential backoff for authentication", 0.8),
		result("doc2", "invalid request parameter", 0.9),
		result("doc3", "token refresh and authentication handling", 0.85),
	}

	out, err := NewLexicalReranker().Rerank(context.Background(), in, Options{Query: "authentication token retry"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc3", "doc1", "doc2"}, ids(out))
	assert.True(t, Reranked(out))

	out, err = NewLexicalReranker().Rerank(context.Background(), in, Options{Query: "authentication token retry", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc3"}, ids(out))

	out, err = NewLexicalReranker().Rerank(context.Background(), in, Options{Query: "the and"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc2", "doc3", "doc1"}, ids(out), "stopword-only query ranks by original score")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewLexicalReranker().Rerank(ctx, in, Options{Query: "token"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"error", "handling", "go_routines"}, tokenize("The Error-handling of go_routines, is it ok?"))
	assert.InDelta(t, 0.5, termOverlap([]string{"error", "retry", "error"}, []string{"retry"}), 1e-6)
	assert.Zero(t, termOverlap(nil, []string{"retry"}))
}

// cohereWireRequest is the /v1/rerank body as the endpoint receives it.
type cohereWireRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

func TestCohereReranker(t *testing.T) {
	var got cohereWireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rerank", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1, "relevance_score": 0.97},
				{"index": 0, "relevance_score": 0.12},
			},
		})
	}))
	defer srv.Close()

	in := []vectorstore.Result{result("a", "first", 0.9), result("b", "second", 0.8)}
	r := NewCohereReranker(CohereConfig{BaseURL: srv.URL + "/", APIKey: "secret", Model: "rerank-v3.5"})
	out, err := r.Rerank(context.Background(), in, Options{Query: "which", Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, ids(out))
	assert.InDelta(t, 0.97, *out[0].RerankScore, 1e-6)
	assert.Equal(t, cohereWireRequest{Model: "rerank-v3.5", Query: "which", Documents: []string{"first", "second"}, TopN: 2}, got)
}

func TestCohereReranker_Errors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer srv.Close()

	in := []vectorstore.Result{result("a", "first", 0.9)}

	_, err := NewCohereReranker(CohereConfig{BaseURL: srv.URL}).Rerank(context.Background(), in, Options{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calling rerank endpoint")
	assert.Positive(t, calls.Load())

	_, err = NewCohereReranker(CohereConfig{BaseURL: srv.URL}).Rerank(context.Background(), in, Options{})
	assert.Error(t, err)

	out, err := NewCohereReranker(CohereConfig{BaseURL: srv.URL}).Rerank(context.Background(), nil, Options{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCohereReranker_TimeoutFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	in := []vectorstore.Result{result("a", "first", 0.9), result("b", "second", 0.8)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := FailOpen(NewCohereReranker(CohereConfig{BaseURL: srv.URL}), nil).Rerank(ctx, in, Options{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(out))
	assert.False(t, Reranked(out))
}

type fakeCohere struct {
	req  *cohere.RerankRequest
	resp *cohere.RerankResponse
}

func (f *fakeCohere) Rerank(_ context.Context, req *cohere.RerankRequest, _ ...option.RequestOption) (*cohere.RerankResponse, error) {
	f.req = req
	return f.resp, nil
}

func TestCohereReranker_MapsIndices(t *testing.T) {
	fake := &fakeCohere{resp: &cohere.RerankResponse{Results: []*cohere.RerankResponseResultsItem{
		{Index: 2, RelevanceScore: 0.9},
		nil,
		{Index: 7, RelevanceScore: 0.8},
		{Index: 0, RelevanceScore: 0.5},
		{Index: 2, RelevanceScore: 0.4},
	}}}
	r := NewCohereReranker(CohereConfig{Model: "rerank-v3.5"})
	r.client = fake

	in := []vectorstore.Result{result("a", "first", 0.9), result("b", "second", 0.8), result("c", "third", 0.7)}
	out, err := r.Rerank(context.Background(), in, Options{Query: "which"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(out), "out-of-range and repeated indices are dropped")

	require.NotNil(t, fake.req)
	assert.Equal(t, "rerank-v3.5", *fake.req.Model)
	assert.Nil(t, fake.req.TopN, "no limit leaves top_n unset")
	require.Len(t, fake.req.Documents, 3)
	assert.Equal(t, "third", fake.req.Documents[2].String)
}

func TestParseKindAndNew(t *testing.T) {
	k, err := ParseKind("Cohere")
	require.NoError(t, err)
	assert.Equal(t, KindCohere, k)
	k, err = ParseKind("simple")
	require.NoError(t, err)
	assert.Equal(t, KindLexical, k)
	_, err = ParseKind("llm")
	assert.Error(t, err)

	r, err := New(Config{Kind: KindLexical}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FailOpenReranker{}, r)

	_, err = New(Config{}, nil)
	assert.Error(t, err)
}
