package vectorstore

import (
	"context"
	"sync"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
)

// fakeQdrant records requests and serves canned responses.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]uint64
	creates     []*qdrant.CreateCollection
	upserts     []*qdrant.UpsertPoints
	queries     []*qdrant.QueryPoints
	deletes     []*qdrant.DeletePoints
	points      []*qdrant.ScoredPoint
	queryErr    error
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: map[string]uint64{}}
}

func (f *fakeQdrant) CollectionExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	f.collections[req.CollectionName] = req.GetVectorsConfig().GetParams().GetSize()
	return nil
}

func (f *fakeQdrant) GetCollectionInfo(_ context.Context, name string) (*qdrant.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.collections[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "collection not found")
	}
	return &qdrant.CollectionInfo{Config: &qdrant.CollectionConfig{
		Params: &qdrant.CollectionParams{
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{Size: size}),
		},
	}}, nil
}

func (f *fakeQdrant) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		return status.Error(codes.NotFound, "collection not found")
	}
	delete(f.collections, name)
	return nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.points, nil
}

func (f *fakeQdrant) Delete(_ context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Close() error { return nil }

func testChunks(n, dim int) []chunk.Chunk {
	out := make([]chunk.Chunk, n)
	for i := range out {
		vec := make([]float32, dim)
		vec[i%dim] = 1
		id, _ := chunk.ComposeID("doc", string(rune('a'+i)))
		out[i] = chunk.Chunk{
			ID:       id,
			Vector:   vec,
			Text:     "text " + id,
			Metadata: chunk.Metadata{"page": chunk.Number(float64(i)), "lang": chunk.String("en")},
		}
	}
	return out
}

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    QdrantConfig
		wantError bool
	}{
		{name: "defaults are valid", config: func() QdrantConfig { c := QdrantConfig{}; c.ApplyDefaults(); return c }()},
		{name: "missing host", config: QdrantConfig{Port: 6334}, wantError: true},
		{name: "invalid port", config: QdrantConfig{Host: "localhost", Port: 70000}, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQdrantStore_UpsertCreatesCollectionOnce(t *testing.T) {
	fake := newFakeQdrant()
	store := newQdrantStore(fake, QdrantConfig{}, newBatcher(2, nil), nil)
	p := Partition{NamespaceID: "docs", TenantID: "acme"}
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, p, testChunks(5, 4)))
	require.NoError(t, store.Upsert(ctx, p, testChunks(1, 4)))

	require.Len(t, fake.creates, 1)
	assert.Equal(t, "ns_docs_t_acme", fake.creates[0].CollectionName)
	assert.Equal(t, uint64(4), fake.creates[0].GetVectorsConfig().GetParams().GetSize())
	assert.Equal(t, qdrant.Distance_Cosine, fake.creates[0].GetVectorsConfig().GetParams().GetDistance())

	// 5 chunks in batches of 2, then 1.
	require.Len(t, fake.upserts, 4)
	assert.Len(t, fake.upserts[0].Points, 2)
	assert.Len(t, fake.upserts[2].Points, 1)

	point := fake.upserts[0].Points[0]
	assert.Equal(t, qdrantPointID("doc#a").GetUuid(), point.GetId().GetUuid())
	assert.Equal(t, "doc#a", point.Payload["id"].GetStringValue())
	assert.Equal(t, "text doc#a", point.Payload["text"].GetStringValue())
	assert.Equal(t, int64(0), point.Payload["page"].GetIntegerValue())

	dim, err := store.Dimensions(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 4, dim)
}

func TestQdrantStore_DimensionMismatch(t *testing.T) {
	fake := newFakeQdrant()
	fake.collections["ns_docs"] = 8
	store := newQdrantStore(fake, QdrantConfig{}, newBatcher(0, nil), nil)
	p := Partition{NamespaceID: "docs"}

	err := store.Upsert(context.Background(), p, testChunks(2, 4))
	var mismatch *DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 8, mismatch.Expected)
	assert.Equal(t, 4, mismatch.Actual)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Empty(t, fake.creates)
	assert.Empty(t, fake.upserts)

	_, err = store.Query(context.Background(), p, QueryRequest{Vector: make([]float32, 4), TopK: 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQdrantStore_MixedVectorLengthsRejected(t *testing.T) {
	store := newQdrantStore(newFakeQdrant(), QdrantConfig{}, newBatcher(0, nil), nil)
	chunks := testChunks(2, 4)
	chunks[1].Vector = []float32{1, 2}
	err := store.Upsert(context.Background(), Partition{NamespaceID: "docs"}, chunks)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQdrantStore_Query(t *testing.T) {
	fake := newFakeQdrant()
	fake.points = []*qdrant.ScoredPoint{
		{Score: 0.9, Payload: qdrantPayload(chunk.Chunk{ID: "doc#1", Text: "one", Metadata: chunk.Metadata{"lang": chunk.String("en")}})},
		{Score: 0.4, Payload: qdrantPayload(chunk.Chunk{ID: "doc#2", Text: "two"})},
	}
	store := newQdrantStore(fake, QdrantConfig{}, newBatcher(0, nil), nil)
	minScore := float32(0.5)

	results, err := store.Query(context.Background(), Partition{NamespaceID: "docs"}, QueryRequest{
		Vector:          []float32{1, 0},
		TopK:            2,
		Filter:          mustParse(t, `{"lang": "en"}`),
		MinScore:        &minScore,
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc#1", results[0].ID)
	assert.Equal(t, "one", results[0].Text)
	assert.Equal(t, float32(0.9), *results[0].Score)
	assert.Equal(t, chunk.Metadata{"lang": chunk.String("en")}, results[0].Metadata)
	assert.Equal(t, map[string]string{"document": "doc", "chunk": "1"}, results[0].Relationships)

	require.Len(t, fake.queries, 1)
	q := fake.queries[0]
	assert.Equal(t, "ns_docs", q.CollectionName)
	assert.Equal(t, uint64(2), q.GetLimit())
	require.NotNil(t, q.Filter)
	assert.Len(t, q.Filter.Must, 1)
}

func TestQdrantStore_MissingCollectionIsEmpty(t *testing.T) {
	fake := newFakeQdrant()
	fake.queryErr = status.Error(codes.NotFound, "collection ns_docs not found")
	store := newQdrantStore(fake, QdrantConfig{}, newBatcher(0, nil), nil)
	p := Partition{NamespaceID: "docs"}
	ctx := context.Background()

	results, err := store.Query(ctx, p, QueryRequest{Vector: []float32{1}, TopK: 1})
	require.NoError(t, err)
	assert.Empty(t, results)

	dim, err := store.Dimensions(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, dim)

	assert.NoError(t, store.DeleteNamespace(ctx, p))
}

func TestQdrantStore_Deletes(t *testing.T) {
	fake := newFakeQdrant()
	store := newQdrantStore(fake, QdrantConfig{}, newBatcher(0, nil), nil)
	p := Partition{NamespaceID: "docs"}
	ctx := context.Background()

	require.NoError(t, store.DeleteByIDs(ctx, p, []string{"doc#1", "doc#2"}))
	require.Len(t, fake.deletes, 1)
	ids := fake.deletes[0].GetPoints().GetPoints().GetIds()
	require.Len(t, ids, 2)
	assert.Equal(t, qdrantPointID("doc#1").GetUuid(), ids[0].GetUuid())

	require.NoError(t, store.DeleteByFilter(ctx, p, mustParse(t, `{"documentId": {"$in": ["a", "b"]}}`)))
	require.Len(t, fake.deletes, 2)
	assert.NotNil(t, fake.deletes[1].GetPoints().GetFilter())

	assert.ErrorIs(t, store.DeleteByFilter(ctx, p, nil), errNilDeleteFilter)
	assert.ErrorIs(t, store.DeleteByFilter(ctx, p, mustParse(t, `{"a": {"$nin": []}}`)), errNilDeleteFilter)
}

func TestQdrantStore_RejectsInvalidRequests(t *testing.T) {
	store := newQdrantStore(newFakeQdrant(), QdrantConfig{}, newBatcher(0, nil), nil)
	ctx := context.Background()

	assert.ErrorIs(t, store.Upsert(ctx, Partition{}, testChunks(1, 2)), ErrInvalidPartition)
	assert.ErrorIs(t, store.Upsert(ctx, Partition{NamespaceID: "n"}, nil), ErrEmptyChunks)

	_, err := store.Query(ctx, Partition{NamespaceID: "n"}, QueryRequest{Vector: []float32{1}})
	assert.ErrorIs(t, err, ErrInvalidTopK)

	_, err = store.Query(ctx, Partition{NamespaceID: "n"}, QueryRequest{Mode: "hybrid", Vector: []float32{1}, TopK: 1})
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestQdrantCodec_RoundTrip(t *testing.T) {
	c := chunk.Chunk{
		ID:   "doc#1",
		Text: "hello",
		Metadata: chunk.Metadata{
			"page":  chunk.Number(3),
			"ratio": chunk.Number(0.25),
			"ok":    chunk.Bool(true),
			"tags":  chunk.StringList("a", "b"),
		},
	}
	id, text, md := qdrantDecode(qdrantPayload(c))
	assert.Equal(t, "doc#1", id)
	assert.Equal(t, "hello", text)
	assert.Equal(t, chunk.Metadata{
		"page":  chunk.Number(3),
		"ratio": chunk.Number(0.25),
		"ok":    chunk.Bool(true),
		"tags":  chunk.StringList("a", "b"),
		"text":  chunk.String("hello"),
	}, md)
}
