package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// vectorFor derives a deterministic 3-d vector from the text length.
func vectorFor(text string) []float32 {
	n := float32(len(text))
	return []float32{n, n + 1, n + 2}
}

func newTEIServer(t *testing.T, calls *[][]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			http.NotFound(w, r)
			return
		}
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		*calls = append(*calls, req.Inputs)
		mu.Unlock()
		if strings.Contains(strings.Join(req.Inputs, ""), "explode") {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
		out := make([][]float32, len(req.Inputs))
		for i, in := range req.Inputs {
			out[i] = vectorFor(in)
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEIProvider(t *testing.T) {
	var calls [][]string
	srv := newTEIServer(t, &calls)

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-small-en-v1.5", BatchSize: 2}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	vectors, err := p.EmbedDocuments(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{vectorFor("a"), vectorFor("bb"), vectorFor("ccc")}, vectors)
	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc"}}, calls)

	v, err := p.EmbedQuery(ctx, "query")
	require.NoError(t, err)
	assert.Equal(t, vectorFor("query"), v)

	assert.Equal(t, 384, p.Dimension())
	assert.Equal(t, "BAAI/bge-small-en-v1.5", p.Model())
}

func TestTEIProvider_Errors(t *testing.T) {
	var calls [][]string
	srv := newTEIServer(t, &calls)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.EmbedQuery(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedDocuments(ctx, []string{"ok", ""})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedQuery(ctx, "explode")
	require.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")

	_, err = NewTEIProvider(TEIConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type openAIEmbeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

func newOpenAIServer(t *testing.T, failures int) (*httptest.Server, *[]openAIEmbeddingRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []openAIEmbeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}

		// Answer in reverse order; the provider must place by index.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := vectorFor(req.Input[i])
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(vec[0]), float64(vec[1]), float64(vec[2])},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestOpenAIProvider(t *testing.T) {
	srv, requests := newOpenAIServer(t, 0)
	p, err := NewOpenAIProvider(OpenAIConfig{
		BaseURL:    srv.URL + "/v1/",
		APIKey:     "sk-test",
		Dimensions: 3,
		BatchSize:  2,
	}, nil, nil)
	require.NoError(t, err)

	vectors, err := p.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{vectorFor("a"), vectorFor("bb"), vectorFor("ccc")}, vectors)

	require.Len(t, *requests, 2)
	assert.Equal(t, "text-embedding-3-small", (*requests)[0].Model)
	assert.Equal(t, 3, (*requests)[0].Dimensions)
	assert.Equal(t, 3, p.Dimension())
}

func TestOpenAIProvider_RetriesRateLimits(t *testing.T) {
	srv, requests := newOpenAIServer(t, 1)

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", MaxRetries: 1}, nil, nil)
	require.NoError(t, err)
	v, err := p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, vectorFor("hello"), v)
	assert.Len(t, *requests, 2)

	srv, requests = newOpenAIServer(t, 1)
	p, err = NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test"}, nil, nil)
	require.NoError(t, err)
	_, err = p.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Len(t, *requests, 1, "retries are off by default")
}

func TestOpenAIConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, OpenAIConfig{}.Validate(), ErrInvalidConfig)
	assert.NoError(t, OpenAIConfig{BaseURL: "http://localhost:11434/v1"}.Validate())
	assert.ErrorIs(t, OpenAIConfig{APIKey: "k", Dimensions: -1}.Validate(), ErrInvalidConfig)
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m := NewMetrics(meter, nil)

	ctx := context.Background()
	m.Record(ctx, "tei", "bge", "embed_documents", 0, 4, nil)
	m.Record(ctx, "tei", "bge", "embed_query", 0, 1, ErrEmbeddingFailed)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
			if metric.Name == "recalld.embedding.errors_total" {
				sum := metric.Data.(metricdata.Sum[int64])
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(1), sum.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, names["recalld.embedding.duration_seconds"])
	assert.True(t, names["recalld.embedding.batch_size"])
	assert.True(t, names["recalld.embedding.errors_total"])

	var nilMetrics *Metrics
	nilMetrics.Record(ctx, "tei", "bge", "embed_query", 0, 1, nil)
}

func TestModelDimension(t *testing.T) {
	tests := map[string]int{
		"BAAI/bge-base-en-v1.5":  768,
		"text-embedding-3-large": 3072,
		"acme/embed-large":       1024,
		"acme/embed-mini":        384,
		"acme/custom":            0,
	}
	for model, want := range tests {
		assert.Equal(t, want, modelDimension(model), model)
	}
}

func TestNewAndFromSettings(t *testing.T) {
	cfg := FromSettings(config.EmbeddingsConfig{
		Provider: "TEI",
		BaseURL:  "http://tei:8080",
		Model:    "BAAI/bge-small-en-v1.5",
		APIKey:   config.Secret("k"),
	})
	assert.Equal(t, "tei", cfg.Provider)
	assert.Equal(t, "k", cfg.TEI.APIKey)

	p, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &TEIProvider{}, p)
	require.NoError(t, p.Close())

	_, err = New(Config{Provider: "word2vec"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
