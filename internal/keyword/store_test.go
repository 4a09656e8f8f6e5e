package keyword

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

type searchCall struct {
	query string
	opts  *redis.FTSearchOptions
}

type fakeBackend struct {
	mu        sync.Mutex
	createErr error
	creates   int
	hashes    map[string]map[string]any
	deleted   []string
	searches  []searchCall
	result    redis.FTSearchResult
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{hashes: map[string]map[string]any{}}
}

func (f *fakeBackend) CreateIndex(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return f.createErr
}

func (f *fakeBackend) WriteHashes(_ context.Context, hashes map[string]map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range hashes {
		f.hashes[k] = v
	}
	return nil
}

func (f *fakeBackend) DeleteKeys(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, keys...)
	for _, k := range keys {
		delete(f.hashes, k)
	}
	return nil
}

func (f *fakeBackend) Search(_ context.Context, _ string, query string, opts *redis.FTSearchOptions) (redis.FTSearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, searchCall{query: query, opts: opts})
	return f.result, nil
}

func (f *fakeBackend) Close() error { return nil }

func score(v float64) *float64 { return &v }

func TestStore_Upsert(t *testing.T) {
	fake := newFakeBackend()
	store := newStore(fake, Config{BatchSize: 2}, nil)
	p := vectorstore.Partition{NamespaceID: "docs", TenantID: "acme"}

	err := store.Upsert(context.Background(), p, []Document{
		{ID: "doc#1", Text: "hello", Metadata: chunk.Metadata{"lang": chunk.String("en")}},
		{ID: "doc#2", Text: "world"},
		{ID: "other_doc#1", Text: "again"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.creates)

	keys := make([]string, 0, len(fake.hashes))
	for k := range fake.hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"recalld:chunk:docs:acme:doc_231",
		"recalld:chunk:docs:acme:doc_232",
		"recalld:chunk:docs:acme:other_5Fdoc_231",
	}, keys)

	h := fake.hashes["recalld:chunk:docs:acme:doc_231"]
	assert.Equal(t, "doc_231", h[fieldID])
	assert.Equal(t, "doc", h[fieldDocumentID])
	assert.Equal(t, "hello", h[fieldText])
	assert.Equal(t, "acme", h[fieldTenantID])
	assert.JSONEq(t, `{"lang":"en"}`, h[fieldMetadata].(string))

	assert.Equal(t, "other_5Fdoc", fake.hashes["recalld:chunk:docs:acme:other_5Fdoc_231"][fieldDocumentID])

	err = store.Upsert(context.Background(), p, []Document{{Text: "no id"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStore_IndexCreationRetriesAfterFailure(t *testing.T) {
	fake := newFakeBackend()
	fake.createErr = errors.New("connection refused")
	store := newStore(fake, Config{}, nil)
	p := vectorstore.Partition{NamespaceID: "docs"}
	docs := []Document{{ID: "a#1", Text: "x"}}

	require.Error(t, store.Upsert(context.Background(), p, docs))
	fake.createErr = nil
	require.NoError(t, store.Upsert(context.Background(), p, docs))
	require.NoError(t, store.Upsert(context.Background(), p, docs))
	assert.Equal(t, 2, fake.creates)
}

func TestStore_Search(t *testing.T) {
	fake := newFakeBackend()
	fake.result = redis.FTSearchResult{
		Total: 42,
		Docs: []redis.Document{
			{ID: "recalld:chunk:docs:_:doc_231", Score: score(2.5), Fields: map[string]string{
				fieldID: "doc_231", fieldText: "hello world", fieldMetadata: `{"page":3}`,
			}},
			{ID: "recalld:chunk:docs:_:doc_232", Score: score(0.2), Fields: map[string]string{
				fieldID: "doc_232", fieldText: "low",
			}},
			{ID: "recalld:chunk:docs:_:bad", Score: score(9), Fields: map[string]string{
				fieldID: "bad_Z", fieldText: "undecodable",
			}},
			{ID: "recalld:chunk:victim:_:doc_233", Score: score(8), Fields: map[string]string{
				fieldID: "doc_233", fieldText: "hello from elsewhere",
			}},
		},
	}
	store := newStore(fake, Config{}, nil)
	minScore := float32(1)

	resp, err := store.Search(context.Background(), SearchRequest{
		Partition:   vectorstore.Partition{NamespaceID: "docs"},
		Query:       "hello",
		DocumentIDs: []string{"doc"},
		Page:        3,
		Limit:       20,
		MinScore:    &minScore,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Total)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, Hit{
		ID:       "doc#1",
		Score:    2.5,
		Text:     "hello world",
		Metadata: chunk.Metadata{"page": chunk.Number(3)},
	}, resp.Hits[0])

	require.Len(t, fake.searches, 1)
	call := fake.searches[0]
	assert.Equal(t, `(@namespaceId:{docs} @tenantId:{_}) @documentId:{doc} @text:(hello)`, call.query)
	assert.True(t, call.opts.WithScores)
	assert.Equal(t, 40, call.opts.LimitOffset)
	assert.Equal(t, 20, call.opts.Limit)
}

func TestStore_ListIDs(t *testing.T) {
	fake := newFakeBackend()
	fake.result = redis.FTSearchResult{
		Total: 2,
		Docs: []redis.Document{
			{ID: "recalld:chunk:docs:acme:doc_231"},
			{ID: "recalld:chunk:docs:acme:doc_232"},
			{ID: "recalld:chunk:docs:other:doc_233"},
		},
	}
	store := newStore(fake, Config{}, nil)

	resp, err := store.ListIDs(context.Background(), ListRequest{
		Partition: vectorstore.Partition{NamespaceID: "docs", TenantID: "acme"},
		Filter:    "@documentId:{doc}",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc#1", "doc#2"}, resp.IDs, "keys of other partitions are never returned")
	assert.Equal(t, 2, resp.Total)

	call := fake.searches[0]
	assert.True(t, call.opts.NoContent)
	assert.Equal(t, 0, call.opts.LimitOffset)
	assert.Equal(t, DefaultLimit, call.opts.Limit)
}

func TestStore_RejectsUnbalancedFilter(t *testing.T) {
	fake := newFakeBackend()
	store := newStore(fake, Config{}, nil)

	_, err := store.Search(context.Background(), SearchRequest{
		Partition: vectorstore.Partition{NamespaceID: "tenantA-ns", TenantID: "acme"},
		Query:     "x",
		Filter:    "x) | (@namespaceId:{victim}",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = store.ListIDs(context.Background(), ListRequest{
		Partition: vectorstore.Partition{NamespaceID: "docs"},
		Filter:    "@lang:{en}}",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, fake.searches, "nothing reaches redis")
}

func TestStore_DeleteByIDs(t *testing.T) {
	fake := newFakeBackend()
	store := newStore(fake, Config{BatchSize: 1}, nil)

	err := store.DeleteByIDs(context.Background(), vectorstore.Partition{NamespaceID: "docs"}, []string{"doc#1", "doc#2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"recalld:chunk:docs:_:doc_231", "recalld:chunk:docs:_:doc_232"}, fake.deleted)
	assert.Zero(t, fake.creates, "deletes do not need the index")
}

func TestPaging(t *testing.T) {
	tests := []struct {
		page, limit   int
		offset, count int
		wantErr       bool
	}{
		{page: 0, limit: 0, offset: 0, count: DefaultLimit},
		{page: 1, limit: 5, offset: 0, count: 5},
		{page: 4, limit: 25, offset: 75, count: 25},
		{page: -1, limit: 5, wantErr: true},
		{page: 1, limit: MaxLimit + 1, wantErr: true},
	}
	for _, tt := range tests {
		offset, count, err := paging(tt.page, tt.limit)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidRequest)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.offset, offset)
		assert.Equal(t, tt.count, count)
	}
}

func TestStore_RejectsInvalidPartition(t *testing.T) {
	store := newStore(newFakeBackend(), Config{}, nil)
	_, err := store.Search(context.Background(), SearchRequest{})
	assert.ErrorIs(t, err, vectorstore.ErrInvalidPartition)
}
