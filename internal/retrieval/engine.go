package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/filter"
	"github.com/fyrsmithlabs/recalld/internal/keyword"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/reranker"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// ErrKeywordDisabled is returned by keyword operations when no keyword
// store is configured.
var ErrKeywordDisabled = errors.New("keyword search is not enabled")

// Metadata keys the engine adds to every chunk it writes.
const (
	MetadataDocumentID = "documentId"
	MetadataChunkIndex = "chunkIndex"
)

// KeywordIndex is the full-text store the engine mirrors chunks into.
// *keyword.Store implements it.
type KeywordIndex interface {
	Upsert(ctx context.Context, p vectorstore.Partition, docs []keyword.Document) error
	Search(ctx context.Context, req keyword.SearchRequest) (*keyword.SearchResponse, error)
	ListIDs(ctx context.Context, req keyword.ListRequest) (*keyword.ListResponse, error)
	DeleteByIDs(ctx context.Context, p vectorstore.Partition, ids []string) error
	Close() error
}

// StoreFactory opens a vector store. vectorstore.NewStore is the default.
type StoreFactory func(cfg vectorstore.Config, logger *zap.Logger) (vectorstore.Store, error)

// Config routes namespaces to backends and controls document splitting.
type Config struct {
	// DefaultProvider serves namespaces without an entry in Namespaces.
	DefaultProvider vectorstore.Provider

	// Namespaces pins namespaces to a provider.
	Namespaces map[string]vectorstore.Provider

	// Stores holds the settings of every backend. Provider is ignored;
	// the engine sets it per opened store.
	Stores vectorstore.Config

	// ChunkSize and ChunkOverlap are in characters.
	// Default: 1000 and 100
	ChunkSize    int
	ChunkOverlap int
}

// ProviderFor returns the provider serving namespace.
func (c Config) ProviderFor(namespace string) vectorstore.Provider {
	if p, ok := c.Namespaces[namespace]; ok {
		return p
	}
	return c.DefaultProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithReranker sets the reranker used when a query asks for reranking.
func WithReranker(r reranker.Reranker) Option {
	return func(e *Engine) { e.reranker = r }
}

// WithKeyword mirrors writes and deletes into k and enables keyword search.
func WithKeyword(k KeywordIndex) Option {
	return func(e *Engine) { e.keyword = k }
}

// WithStoreFactory replaces vectorstore.NewStore.
func WithStoreFactory(f StoreFactory) Option {
	return func(e *Engine) { e.newStore = f }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is the retrieval entry point for the API layer. Stores are opened
// on first use of their provider and shared by every namespace routed to it.
type Engine struct {
	config   Config
	embedder embeddings.Provider
	reranker reranker.Reranker
	keyword  KeywordIndex
	splitter textsplitter.TextSplitter
	newStore StoreFactory
	logger   *zap.Logger

	mu     sync.Mutex
	stores map[vectorstore.Provider]vectorstore.Store
}

// New creates an Engine.
func New(cfg Config, embedder embeddings.Provider, opts ...Option) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder required", vectorstore.ErrInvalidConfig)
	}
	if cfg.DefaultProvider == 0 {
		cfg.DefaultProvider = vectorstore.ProviderEmbedded
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", vectorstore.ErrInvalidConfig, cfg.ChunkOverlap, cfg.ChunkSize)
	}

	e := &Engine{
		config:   cfg,
		embedder: embedder,
		newStore: vectorstore.NewStore,
		logger:   zap.NewNop(),
		stores:   make(map[vectorstore.Provider]vectorstore.Store),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.splitter = textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
	)
	return e, nil
}

// Store returns the store serving namespace, opening it if needed. A
// failed open is not cached.
func (e *Engine) Store(namespace string) (vectorstore.Store, error) {
	provider := e.config.ProviderFor(namespace)

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[provider]; ok {
		return s, nil
	}

	cfg := e.config.Stores
	cfg.Provider = provider
	s, err := e.newStore(cfg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", provider, err)
	}
	e.stores[provider] = s
	e.logger.Info("vector store opened", zap.String("provider", provider.String()))
	return s, nil
}

// QueryRequest is a search against one partition.
type QueryRequest struct {
	Partition       vectorstore.Partition
	Query           string
	TopK            int
	Filter          filter.Expr
	MinScore        *float32
	IncludeMetadata bool
	Rerank          *RerankOptions
}

// Query embeds the query and searches the partition's store.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*Response, error) {
	if err := req.Partition.Validate(); err != nil {
		return nil, err
	}
	store, err := e.Store(req.Partition.NamespaceID)
	if err != nil {
		return nil, err
	}
	return QueryVectorStore(ctx, Params{
		Embedder:        e.embedder,
		Store:           store,
		Reranker:        e.reranker,
		Partition:       req.Partition,
		Query:           req.Query,
		TopK:            req.TopK,
		Filter:          req.Filter,
		MinScore:        req.MinScore,
		IncludeMetadata: req.IncludeMetadata,
		Rerank:          req.Rerank,
		Logger:          e.logger,
	})
}

// ChunkInput is a chunk to embed and store. ID must be
// "{documentId}#{chunkLocalId}".
type ChunkInput struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata chunk.Metadata `json:"metadata,omitempty"`
}

// Upsert embeds the chunks and writes them to the partition's vector store
// and, when enabled, the keyword store. The document id is added to each
// chunk's metadata so a document can later be deleted by filter.
func (e *Engine) Upsert(ctx context.Context, p vectorstore.Partition, inputs []ChunkInput) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(inputs) == 0 {
		return vectorstore.ErrEmptyChunks
	}
	for _, in := range inputs {
		if _, _, err := chunk.ParseID(in.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if strings.TrimSpace(in.Text) == "" {
			return fmt.Errorf("%w: chunk %s has no text", ErrInvalidRequest, in.ID)
		}
		for key := range in.Metadata {
			if chunk.IsReservedKey(key) {
				return fmt.Errorf("%w: chunk %s uses reserved metadata key %q", ErrInvalidRequest, in.ID, key)
			}
		}
	}
	store, err := e.Store(p.NamespaceID)
	if err != nil {
		return err
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, lo.Map(inputs, func(in ChunkInput, _ int) string { return in.Text }))
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(inputs) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", embeddings.ErrEmbeddingFailed, len(vectors), len(inputs))
	}

	chunks := make([]chunk.Chunk, len(inputs))
	for i, in := range inputs {
		md := in.Metadata.Clone()
		if _, ok := md[MetadataDocumentID]; !ok {
			doc, _, _ := chunk.ParseID(in.ID)
			md[MetadataDocumentID] = chunk.String(doc)
		}
		chunks[i] = chunk.Chunk{ID: in.ID, Vector: vectors[i], Text: in.Text, Metadata: md}
	}
	if err := store.Upsert(ctx, p, chunks); err != nil {
		return fmt.Errorf("upserting into %s: %w", p, err)
	}

	if e.keyword != nil {
		docs := lo.Map(chunks, func(c chunk.Chunk, _ int) keyword.Document {
			return keyword.Document{ID: c.ID, Text: c.Text, Metadata: c.Metadata}
		})
		if err := e.keyword.Upsert(ctx, p, docs); err != nil {
			return fmt.Errorf("indexing keywords for %s: %w", p, err)
		}
	}

	e.logger.Debug("chunks upserted",
		zap.String("partition", p.String()),
		zap.String("provider", store.Provider().String()),
		zap.Int("chunks", len(chunks)),
		logging.Vector("vector", chunks[0].Vector),
	)
	return nil
}

// DocumentInput is a whole document to split, embed and store.
type DocumentInput struct {
	DocumentID string         `json:"documentId"`
	Text       string         `json:"text"`
	Metadata   chunk.Metadata `json:"metadata,omitempty"`
}

// Ingest splits the document into overlapping chunks, numbers them from 0
// and upserts them. It returns the chunk ids in order.
func (e *Engine) Ingest(ctx context.Context, p vectorstore.Partition, doc DocumentInput) ([]string, error) {
	parts, err := e.splitter.SplitText(doc.Text)
	if err != nil {
		return nil, fmt.Errorf("splitting %s: %w", doc.DocumentID, err)
	}
	parts = lo.Filter(parts, func(s string, _ int) bool { return strings.TrimSpace(s) != "" })
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: document %s has no text", ErrInvalidRequest, doc.DocumentID)
	}

	inputs := make([]ChunkInput, len(parts))
	for i, text := range parts {
		id, err := chunk.ComposeID(doc.DocumentID, strconv.Itoa(i))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		md := doc.Metadata.Clone()
		md[MetadataChunkIndex] = chunk.Number(float64(i))
		inputs[i] = ChunkInput{ID: id, Text: text, Metadata: md}
	}
	if err := e.Upsert(ctx, p, inputs); err != nil {
		return nil, err
	}
	return lo.Map(inputs, func(in ChunkInput, _ int) string { return in.ID }), nil
}

// DeleteByIDs removes chunks from the vector store and the keyword store.
func (e *Engine) DeleteByIDs(ctx context.Context, p vectorstore.Partition, ids []string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	store, err := e.Store(p.NamespaceID)
	if err != nil {
		return err
	}
	if err := store.DeleteByIDs(ctx, p, ids); err != nil {
		return fmt.Errorf("deleting from %s: %w", p, err)
	}
	if e.keyword != nil {
		if err := e.keyword.DeleteByIDs(ctx, p, ids); err != nil {
			return fmt.Errorf("deleting keywords from %s: %w", p, err)
		}
	}
	return nil
}

// DeleteByFilter removes matching chunks from the vector store. The keyword
// store cannot evaluate the filter DSL; when the filter is a single
// documentId equality or $in, the same documents are removed from it too.
func (e *Engine) DeleteByFilter(ctx context.Context, p vectorstore.Partition, expr filter.Expr) error {
	if err := p.Validate(); err != nil {
		return err
	}
	store, err := e.Store(p.NamespaceID)
	if err != nil {
		return err
	}
	if err := store.DeleteByFilter(ctx, p, expr); err != nil {
		return fmt.Errorf("deleting from %s: %w", p, err)
	}
	if e.keyword == nil {
		return nil
	}
	docs, ok := documentIDs(expr)
	if !ok {
		e.logger.Warn("keyword store not pruned for non-document filter", zap.String("partition", p.String()))
		return nil
	}
	return e.purgeKeyword(ctx, p, docs)
}

// documentIDs extracts the document ids of a documentId equality or $in
// filter.
func documentIDs(expr filter.Expr) ([]string, bool) {
	c, ok := filter.Normalize(expr).(filter.Condition)
	if !ok || c.Field != MetadataDocumentID {
		return nil, false
	}
	switch c.Op {
	case filter.OpEq:
		if s, ok := c.Value.Str(); ok {
			return []string{s}, true
		}
	case filter.OpIn:
		ids := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			s, ok := v.Str()
			if !ok {
				return nil, false
			}
			ids = append(ids, s)
		}
		return ids, true
	}
	return nil, false
}

// DeleteNamespace drops the partition from the vector store and removes its
// keyword entries.
func (e *Engine) DeleteNamespace(ctx context.Context, p vectorstore.Partition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	store, err := e.Store(p.NamespaceID)
	if err != nil {
		return err
	}
	if err := store.DeleteNamespace(ctx, p); err != nil {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	if e.keyword == nil {
		return nil
	}
	return e.purgeKeyword(ctx, p, nil)
}

// purgeKeyword deletes every keyword entry of the partition, restricted to
// documents when given. It always reads the first page because each pass
// deletes what it read.
func (e *Engine) purgeKeyword(ctx context.Context, p vectorstore.Partition, documents []string) error {
	for {
		page, err := e.keyword.ListIDs(ctx, keyword.ListRequest{
			Partition:   p,
			DocumentIDs: documents,
			Page:        1,
			Limit:       keyword.MaxLimit,
		})
		if err != nil {
			return fmt.Errorf("listing keywords of %s: %w", p, err)
		}
		if len(page.IDs) == 0 {
			return nil
		}
		if err := e.keyword.DeleteByIDs(ctx, p, page.IDs); err != nil {
			return fmt.Errorf("deleting keywords from %s: %w", p, err)
		}
		if len(page.IDs) >= page.Total {
			return nil
		}
	}
}

// Dimensions returns the partition's vector size, 0 when it holds no data.
func (e *Engine) Dimensions(ctx context.Context, p vectorstore.Partition) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	store, err := e.Store(p.NamespaceID)
	if err != nil {
		return 0, err
	}
	return store.Dimensions(ctx, p)
}

// KeywordSearch runs a full-text query.
func (e *Engine) KeywordSearch(ctx context.Context, req keyword.SearchRequest) (*keyword.SearchResponse, error) {
	if e.keyword == nil {
		return nil, ErrKeywordDisabled
	}
	return e.keyword.Search(ctx, req)
}

// KeywordListIDs lists chunk ids held by the keyword store.
func (e *Engine) KeywordListIDs(ctx context.Context, req keyword.ListRequest) (*keyword.ListResponse, error) {
	if e.keyword == nil {
		return nil, ErrKeywordDisabled
	}
	return e.keyword.ListIDs(ctx, req)
}

// Status describes the engine for the health endpoint.
type Status struct {
	DefaultProvider string   `json:"defaultProvider"`
	OpenStores      []string `json:"openStores"`
	Embedder        string   `json:"embedder"`
	Dimension       int      `json:"dimension,omitempty"`
	Keyword         bool     `json:"keyword"`
	Reranker        bool     `json:"reranker"`
}

// Status reports the engine's configuration and which stores are open.
func (e *Engine) Status() Status {
	e.mu.Lock()
	open := make([]string, 0, len(e.stores))
	for _, p := range vectorstore.Providers {
		if _, ok := e.stores[p]; ok {
			open = append(open, p.String())
		}
	}
	e.mu.Unlock()

	return Status{
		DefaultProvider: e.config.DefaultProvider.String(),
		OpenStores:      open,
		Embedder:        e.embedder.Model(),
		Dimension:       e.embedder.Dimension(),
		Keyword:         e.keyword != nil,
		Reranker:        e.reranker != nil,
	}
}

// Close closes every open store, the keyword store and the embedder.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for p, s := range e.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s store: %w", p, err))
		}
	}
	clear(e.stores)
	if e.keyword != nil {
		if err := e.keyword.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing keyword store: %w", err))
		}
	}
	if err := e.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing embedder: %w", err))
	}
	return errors.Join(errs...)
}
