package retrieval

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/keyword"
	"github.com/fyrsmithlabs/recalld/internal/reranker"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// fakeKeyword keeps documents per partition in memory.
type fakeKeyword struct {
	mu     sync.Mutex
	docs   map[vectorstore.Partition]map[string]keyword.Document
	closed bool
}

func newFakeKeyword() *fakeKeyword {
	return &fakeKeyword{docs: map[vectorstore.Partition]map[string]keyword.Document{}}
}

func (f *fakeKeyword) Upsert(_ context.Context, p vectorstore.Partition, docs []keyword.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[p] == nil {
		f.docs[p] = map[string]keyword.Document{}
	}
	for _, d := range docs {
		f.docs[p][d.ID] = d
	}
	return nil
}

func (f *fakeKeyword) Search(_ context.Context, req keyword.SearchRequest) (*keyword.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &keyword.SearchResponse{Hits: []keyword.Hit{}}
	for _, d := range f.docs[req.Partition] {
		if strings.Contains(d.Text, req.Query) {
			resp.Hits = append(resp.Hits, keyword.Hit{ID: d.ID, Score: 1, Text: d.Text})
		}
	}
	resp.Total = len(resp.Hits)
	return resp, nil
}

// ListIDs returns at most two ids per page so purges take several passes.
func (f *fakeKeyword) ListIDs(_ context.Context, req keyword.ListRequest) (*keyword.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []string
	for id := range f.docs[req.Partition] {
		doc, _, _ := chunk.ParseID(id)
		if len(req.DocumentIDs) == 0 || slices.Contains(req.DocumentIDs, doc) {
			all = append(all, id)
		}
	}
	slices.Sort(all)
	page := all
	if len(page) > 2 {
		page = page[:2]
	}
	return &keyword.ListResponse{IDs: page, Total: len(all)}, nil
}

func (f *fakeKeyword) DeleteByIDs(_ context.Context, p vectorstore.Partition, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.docs[p], id)
	}
	return nil
}

func (f *fakeKeyword) Close() error {
	f.closed = true
	return nil
}

func (f *fakeKeyword) ids(p vectorstore.Partition) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.docs[p] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// memoryStores opens in-memory chromem stores whatever provider is asked
// for, and records the requests.
type memoryStores struct {
	opened []vectorstore.Provider
	fail   bool
}

func (m *memoryStores) open(cfg vectorstore.Config, logger *zap.Logger) (vectorstore.Store, error) {
	if m.fail {
		return nil, errors.New("backend unreachable")
	}
	m.opened = append(m.opened, cfg.Provider)
	return vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, cfg.Batch, logger)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeEmbedder, *memoryStores) {
	t.Helper()
	_, emb := corpus()
	stores := &memoryStores{}
	opts = append([]Option{WithStoreFactory(stores.open)}, opts...)
	e, err := New(Config{
		DefaultProvider: vectorstore.ProviderEmbedded,
		Namespaces:      map[string]vectorstore.Provider{"pinned": vectorstore.ProviderQdrant},
		ChunkSize:       40,
		ChunkOverlap:    0,
	}, emb, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, emb, stores
}

func TestEngine_UpsertAndQuery(t *testing.T) {
	kw := newFakeKeyword()
	r, err := reranker.New(reranker.Config{Kind: reranker.KindLexical}, nil)
	require.NoError(t, err)
	e, emb, _ := newTestEngine(t, WithKeyword(kw), WithReranker(r))
	inputs, _ := corpus()
	p := vectorstore.Partition{NamespaceID: "docs"}
	ctx := context.Background()

	require.NoError(t, e.Upsert(ctx, p, inputs))
	require.Len(t, emb.docCalls, 1, "one embedding call per upsert")
	assert.Len(t, kw.ids(p), 10)

	resp, err := e.Query(ctx, QueryRequest{Partition: p, Query: testQuery, TopK: 5, IncludeMetadata: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc#0", "doc#1", "doc#2", "doc#3", "doc#4"}, ids(resp.Results))
	assert.Nil(t, resp.UnorderedIDs)
	assert.Equal(t, chunk.String("doc"), resp.Results[0].Metadata[MetadataDocumentID])
	assert.Equal(t, "doc", resp.Results[0].Relationships[vectorstore.RelationshipDocument])

	resp, err = e.Query(ctx, QueryRequest{Partition: p, Query: testQuery, TopK: 10, Rerank: &RerankOptions{Limit: 3}})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(resp.Results), 3)
	assert.Len(t, resp.UnorderedIDs, 10)
	assert.True(t, resp.Reranked)

	dim, err := e.Dimensions(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, dim)

	dim, err = e.Dimensions(ctx, vectorstore.Partition{NamespaceID: "empty"})
	require.NoError(t, err)
	assert.Zero(t, dim)
}

func TestEngine_UpsertValidation(t *testing.T) {
	e, emb, _ := newTestEngine(t)
	ctx := context.Background()
	p := vectorstore.Partition{NamespaceID: "docs"}

	assert.ErrorIs(t, e.Upsert(ctx, vectorstore.Partition{}, []ChunkInput{{ID: "d#1", Text: "x"}}), vectorstore.ErrInvalidPartition)
	assert.ErrorIs(t, e.Upsert(ctx, p, nil), vectorstore.ErrEmptyChunks)
	assert.ErrorIs(t, e.Upsert(ctx, p, []ChunkInput{{ID: "no-separator", Text: "x"}}), ErrInvalidRequest)
	assert.ErrorIs(t, e.Upsert(ctx, p, []ChunkInput{{ID: "d#1", Text: " "}}), ErrInvalidRequest)
	for _, key := range []string{"id", "text", "vector"} {
		err := e.Upsert(ctx, p, []ChunkInput{{ID: "d#1", Text: "x", Metadata: chunk.Metadata{key: chunk.String("spoof")}}})
		assert.ErrorIs(t, err, ErrInvalidRequest, key)
	}
	assert.Empty(t, emb.docCalls, "nothing embedded for invalid input")

	require.NoError(t, e.Upsert(ctx, p, []ChunkInput{{ID: "d#1", Text: "two dims"}}))
	emb.vectors["three dims"] = []float32{1, 2, 3}
	err := e.Upsert(ctx, p, []ChunkInput{{ID: "d#2", Text: "three dims"}})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestEngine_Routing(t *testing.T) {
	e, _, stores := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Dimensions(ctx, vectorstore.Partition{NamespaceID: "a"})
	require.NoError(t, err)
	_, err = e.Dimensions(ctx, vectorstore.Partition{NamespaceID: "b"})
	require.NoError(t, err)
	_, err = e.Dimensions(ctx, vectorstore.Partition{NamespaceID: "pinned"})
	require.NoError(t, err)

	assert.Equal(t, []vectorstore.Provider{vectorstore.ProviderEmbedded, vectorstore.ProviderQdrant}, stores.opened,
		"one store per provider, shared by namespaces")

	status := e.Status()
	assert.Equal(t, "embedded", status.DefaultProvider)
	assert.Equal(t, []string{"qdrant", "embedded"}, status.OpenStores)
	assert.Equal(t, "fake", status.Embedder)
	assert.False(t, status.Keyword)
}

func TestEngine_StoreOpenFailureNotCached(t *testing.T) {
	e, _, stores := newTestEngine(t)
	stores.fail = true

	_, err := e.Store("docs")
	require.Error(t, err)

	stores.fail = false
	s, err := e.Store("docs")
	require.NoError(t, err)
	assert.Equal(t, vectorstore.ProviderEmbedded, s.Provider())
}

func TestEngine_Ingest(t *testing.T) {
	kw := newFakeKeyword()
	e, _, _ := newTestEngine(t, WithKeyword(kw))
	p := vectorstore.Partition{NamespaceID: "docs", TenantID: "acme"}
	ctx := context.Background()

	text := "The first paragraph is short.\n\nThe second paragraph is also short.\n\nA third one closes the document."
	ids, err := e.Ingest(ctx, p, DocumentInput{
		DocumentID: "handbook",
		Text:       text,
		Metadata:   chunk.Metadata{"lang": chunk.String("en")},
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ids), 3)
	for i, id := range ids {
		doc, local, err := chunk.ParseID(id)
		require.NoError(t, err)
		assert.Equal(t, "handbook", doc)
		assert.Equal(t, strconv.Itoa(i), local)
	}
	assert.Equal(t, ids, kw.ids(p))

	stored := kw.docs[p][ids[0]]
	assert.Equal(t, chunk.String("en"), stored.Metadata["lang"])
	assert.Equal(t, chunk.Number(0), stored.Metadata[MetadataChunkIndex])
	assert.Equal(t, chunk.String("handbook"), stored.Metadata[MetadataDocumentID])

	_, err = e.Ingest(ctx, p, DocumentInput{DocumentID: "blank", Text: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Ingest(ctx, p, DocumentInput{DocumentID: "bad#id", Text: "content"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEngine_Deletes(t *testing.T) {
	kw := newFakeKeyword()
	e, _, _ := newTestEngine(t, WithKeyword(kw))
	p := vectorstore.Partition{NamespaceID: "docs"}
	ctx := context.Background()

	inputs := []ChunkInput{
		{ID: "a#0", Text: "alpha zero"},
		{ID: "a#1", Text: "alpha one"},
		{ID: "a#2", Text: "alpha two"},
		{ID: "b#0", Text: "beta zero"},
		{ID: "c#0", Text: "gamma zero"},
	}
	require.NoError(t, e.Upsert(ctx, p, inputs))

	require.NoError(t, e.DeleteByIDs(ctx, p, []string{"c#0"}))
	assert.Equal(t, []string{"a#0", "a#1", "a#2", "b#0"}, kw.ids(p))

	require.NoError(t, e.DeleteByFilter(ctx, p, mustFilter(t, `{"documentId": "a"}`)))
	assert.Equal(t, []string{"b#0"}, kw.ids(p), "document filter prunes keywords across pages")

	resp, err := e.Query(ctx, QueryRequest{Partition: p, Query: "anything", TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"b#0"}, ids(resp.Results))

	require.NoError(t, e.DeleteNamespace(ctx, p))
	assert.Empty(t, kw.ids(p))
	resp, err = e.Query(ctx, QueryRequest{Partition: p, Query: "anything", TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	assert.NoError(t, e.DeleteByIDs(ctx, p, nil))
}

func TestDocumentIDs(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   []string
		ok     bool
	}{
		{name: "equality", filter: `{"documentId": "a"}`, want: []string{"a"}, ok: true},
		{name: "in", filter: `{"documentId": {"$in": ["a", "b"]}}`, want: []string{"a", "b"}, ok: true},
		{name: "other field", filter: `{"page": 1}`, ok: false},
		{name: "compound", filter: `{"documentId": "a", "page": 1}`, ok: false},
		{name: "numeric id", filter: `{"documentId": 4}`, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := documentIDs(mustFilter(t, tt.filter))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_KeywordDisabled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.KeywordSearch(ctx, keyword.SearchRequest{Partition: vectorstore.Partition{NamespaceID: "docs"}, Query: "x"})
	assert.ErrorIs(t, err, ErrKeywordDisabled)
	_, err = e.KeywordListIDs(ctx, keyword.ListRequest{Partition: vectorstore.Partition{NamespaceID: "docs"}})
	assert.ErrorIs(t, err, ErrKeywordDisabled)
}

func TestEngine_KeywordSearch(t *testing.T) {
	kw := newFakeKeyword()
	e, _, _ := newTestEngine(t, WithKeyword(kw))
	p := vectorstore.Partition{NamespaceID: "docs"}
	ctx := context.Background()
	require.NoError(t, e.Upsert(ctx, p, []ChunkInput{{ID: "a#0", Text: "red fox"}, {ID: "a#1", Text: "blue whale"}}))

	resp, err := e.KeywordSearch(ctx, keyword.SearchRequest{Partition: p, Query: "fox"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "a#0", resp.Hits[0].ID)

	list, err := e.KeywordListIDs(ctx, keyword.ListRequest{Partition: p})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
}

func TestEngine_Close(t *testing.T) {
	kw := newFakeKeyword()
	e, emb, _ := newTestEngine(t, WithKeyword(kw))
	_, err := e.Store("docs")
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.True(t, kw.closed)
	assert.True(t, emb.closed)
	assert.Empty(t, e.Status().OpenStores)
}

func TestNew_Validation(t *testing.T) {
	_, emb := corpus()
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)

	_, err = New(Config{ChunkSize: 10, ChunkOverlap: 10}, emb)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)

	e, err := New(Config{}, emb)
	require.NoError(t, err)
	assert.Equal(t, vectorstore.ProviderEmbedded, e.config.DefaultProvider)
	assert.Equal(t, 1000, e.config.ChunkSize)
}

func TestConfigFromSettings(t *testing.T) {
	s := config.Default()
	s.VectorStore.Provider = "qdrant"
	s.VectorStore.Namespaces = map[string]string{"legal": "Pinecone", "scratch": "chromem"}
	s.VectorStore.Qdrant.Distance = "dot"
	s.VectorStore.Qdrant.APIKey = config.Secret("qk")
	s.VectorStore.MaxRetries = 2

	cfg, err := ConfigFromSettings(s)
	require.NoError(t, err)
	assert.Equal(t, vectorstore.ProviderQdrant, cfg.DefaultProvider)
	assert.Equal(t, vectorstore.ProviderPinecone, cfg.ProviderFor("legal"))
	assert.Equal(t, vectorstore.ProviderEmbedded, cfg.ProviderFor("scratch"))
	assert.Equal(t, vectorstore.ProviderQdrant, cfg.ProviderFor("other"))
	assert.Equal(t, "qk", cfg.Stores.Qdrant.APIKey)
	assert.Equal(t, 2, cfg.Stores.Turbopuffer.Retry.MaxRetries)
	assert.Equal(t, 50, cfg.Stores.Batch.Size)
	assert.Equal(t, 1000, cfg.ChunkSize)

	s.VectorStore.Qdrant.Distance = "hamming"
	_, err = ConfigFromSettings(s)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)

	s.VectorStore.Qdrant.Distance = "cosine"
	s.VectorStore.Namespaces = map[string]string{"x": "faiss"}
	_, err = ConfigFromSettings(s)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
}

func TestRerankerFromSettings(t *testing.T) {
	_, ok, err := RerankerFromSettings(config.RerankerConfig{})
	require.NoError(t, err)
	assert.False(t, ok)

	cfg, ok, err := RerankerFromSettings(config.RerankerConfig{Provider: "simple"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, reranker.KindLexical, cfg.Kind)

	cfg, ok, err = RerankerFromSettings(config.RerankerConfig{
		Provider: "cohere",
		Cohere:   config.CohereConfig{APIKey: config.Secret("ck"), Model: "rerank-v3.5"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ck", cfg.Cohere.APIKey)

	_, _, err = RerankerFromSettings(config.RerankerConfig{Provider: "llm"})
	assert.Error(t, err)
}

func TestKeywordFromSettings(t *testing.T) {
	cfg := KeywordFromSettings(config.KeywordConfig{Addr: "redis:6379", Password: config.Secret("pw"), DB: 2, Index: "idx"})
	assert.Equal(t, keyword.Config{Addr: "redis:6379", Password: "pw", DB: 2, Index: "idx"}, cfg)
}
