package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

var chromemTracer = otel.Tracer("recalld.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps everything
	// in memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

const (
	// chromemMetadataKey holds the typed metadata as JSON next to the
	// stringified copies chromem filters on.
	chromemMetadataKey = "_metadata"

	// chromemRegistry is the collection recording each partition's vector
	// size. Partition names always start with "ns_", so it cannot collide.
	chromemRegistry      = "_dimensions"
	chromemDimensionsKey = "dimensions"
)

var errChromemEmbedding = errors.New("chromem store requires precomputed embeddings")

// ChromemStore keeps each partition in a chromem-go collection. It needs no
// external service and backs local development and tests.
type ChromemStore struct {
	db      *chromem.DB
	config  ChromemConfig
	batcher batcher
	logger  *zap.Logger

	collections initGroup // name -> vector size
}

// NewChromemStore opens or creates the embedded database.
func NewChromemStore(config ChromemConfig, batching BatchConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db := chromem.NewDB()
	if config.Path != "" {
		path, err := expandChromemPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		if db, err = chromem.NewPersistentDB(path, config.Compress); err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
		zap.Bool("compress", config.Compress),
	)
	return &ChromemStore{db: db, config: config, batcher: batching.batcher(), logger: logger}, nil
}

// expandChromemPath expands ~ to the home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc is installed on every collection. chromem falls back to an
// OpenAI embedder when given nil; every document here carries its vector.
func embeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errChromemEmbedding
}

// Provider implements Store.
func (s *ChromemStore) Provider() Provider { return ProviderEmbedded }

// Close implements Store. chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, p Partition, chunks []chunk.Chunk) (err error) {
	ctx, done := instrument(ctx, chromemTracer, ProviderEmbedded, "ChromemStore.Upsert", "upsert")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := embeddedNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("collection", name), attribute.Int("chunks", len(chunks)))

	dim, err := checkVectors(name, chunks)
	if err != nil {
		return err
	}
	if err = s.ensureCollection(ctx, name, dim); err != nil {
		return err
	}
	collection := s.db.GetCollection(name, embeddingFunc)
	if collection == nil {
		s.collections.forget(name)
		return fmt.Errorf("collection %s disappeared during upsert", name)
	}

	return dispatchBatches(ctx, s.batcher, chunks, func(ctx context.Context, batch []chunk.Chunk) error {
		docs := make([]chromem.Document, len(batch))
		for i, c := range batch {
			md, err := chromemMetadata(c.WithText())
			if err != nil {
				return fmt.Errorf("encoding metadata of chunk %s: %w", c.ID, err)
			}
			docs[i] = chromem.Document{
				ID:        c.ID,
				Metadata:  md,
				Embedding: c.Vector,
				Content:   c.Text,
			}
		}
		BatchSize.WithLabelValues(ProviderEmbedded.String()).Observe(float64(len(batch)))
		if err := collection.AddDocuments(ctx, docs, 1); err != nil {
			return fmt.Errorf("adding documents: %w", err)
		}
		return nil
	})
}

// ensureCollection creates the collection and its registry entry on first
// use and checks the vector size.
func (s *ChromemStore) ensureCollection(ctx context.Context, name string, dim int) error {
	v, err := s.collections.do(ctx, name, func(ctx context.Context) (any, error) {
		if size := s.registeredSize(ctx, name); size > 0 && s.db.GetCollection(name, embeddingFunc) != nil {
			return size, nil
		}
		if _, err := s.db.GetOrCreateCollection(name, map[string]string{chromemDimensionsKey: strconv.Itoa(dim)}, embeddingFunc); err != nil {
			return nil, fmt.Errorf("creating collection %s: %w", name, err)
		}
		if err := s.register(ctx, name, dim); err != nil {
			return nil, err
		}
		PartitionsCreated.WithLabelValues(ProviderEmbedded.String()).Inc()
		s.logger.Info("created chromem collection", zap.String("collection", name), zap.Int("dimensions", dim))
		return dim, nil
	})
	if err != nil {
		return err
	}
	if expected := v.(int); expected != dim {
		return &DimensionMismatchError{Partition: name, Expected: expected, Actual: dim}
	}
	return nil
}

func (s *ChromemStore) register(ctx context.Context, name string, dim int) error {
	registry, err := s.db.GetOrCreateCollection(chromemRegistry, nil, embeddingFunc)
	if err != nil {
		return fmt.Errorf("opening dimension registry: %w", err)
	}
	err = registry.AddDocument(ctx, chromem.Document{
		ID:        name,
		Metadata:  map[string]string{chromemDimensionsKey: strconv.Itoa(dim)},
		Embedding: []float32{1},
	})
	if err != nil {
		return fmt.Errorf("registering collection %s: %w", name, err)
	}
	return nil
}

// registeredSize returns the recorded vector size, or 0 if unknown.
func (s *ChromemStore) registeredSize(ctx context.Context, name string) int {
	registry := s.db.GetCollection(chromemRegistry, embeddingFunc)
	if registry == nil {
		return 0
	}
	doc, err := registry.GetByID(ctx, name)
	if err != nil {
		return 0
	}
	size, _ := strconv.Atoi(doc.Metadata[chromemDimensionsKey])
	return size
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, p Partition, req QueryRequest) (results []Result, err error) {
	ctx, done := instrument(ctx, chromemTracer, ProviderEmbedded, "ChromemStore.Query", "query")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return nil, err
	}
	if err = req.validate(); err != nil {
		return nil, err
	}
	name := embeddedNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("collection", name), attribute.Int("top_k", req.TopK))

	where, err := TranslateChromemFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	if where != nil && where.never {
		return []Result{}, nil
	}

	collection := s.db.GetCollection(name, embeddingFunc)
	if collection == nil {
		return []Result{}, nil
	}
	count := collection.Count()
	if count == 0 {
		return []Result{}, nil
	}
	if size := s.size(ctx, name); size > 0 && size != len(req.Vector) {
		return nil, &DimensionMismatchError{Partition: name, Expected: size, Actual: len(req.Vector)}
	}

	k := req.TopK
	if k > count {
		k = count
	}
	var equals map[string]string
	if where != nil {
		equals = where.equals
	}
	docs, err := collection.QueryEmbedding(ctx, req.Vector, k, equals, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	results = make([]Result, 0, len(docs))
	for _, d := range docs {
		var md chunk.Metadata
		if req.IncludeMetadata {
			md = chromemDecode(d.Metadata)
		}
		results = append(results, newResult(d.ID, d.Similarity, d.Content, md))
	}
	return applyMinScore(results, req.MinScore), nil
}

func (s *ChromemStore) size(ctx context.Context, name string) int {
	if v, ok := s.collections.peek(name); ok {
		return v.(int)
	}
	return s.registeredSize(ctx, name)
}

// DeleteByIDs implements Store.
func (s *ChromemStore) DeleteByIDs(ctx context.Context, p Partition, ids []string) (err error) {
	ctx, done := instrument(ctx, chromemTracer, ProviderEmbedded, "ChromemStore.DeleteByIDs", "delete_ids")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	collection := s.db.GetCollection(embeddedNamer.Name(p), embeddingFunc)
	if collection == nil {
		return nil
	}
	return dispatchBatches(ctx, s.batcher, ids, func(ctx context.Context, batch []string) error {
		return collection.Delete(ctx, nil, nil, batch...)
	})
}

// DeleteByFilter implements Store.
func (s *ChromemStore) DeleteByFilter(ctx context.Context, p Partition, expr filter.Expr) (err error) {
	ctx, done := instrument(ctx, chromemTracer, ProviderEmbedded, "ChromemStore.DeleteByFilter", "delete_filter")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if expr == nil {
		return errNilDeleteFilter
	}
	where, err := TranslateChromemFilter(expr)
	if err != nil {
		return err
	}
	if where == nil {
		return errNilDeleteFilter
	}
	if where.never {
		return nil
	}
	collection := s.db.GetCollection(embeddedNamer.Name(p), embeddingFunc)
	if collection == nil {
		return nil
	}
	return collection.Delete(ctx, where.equals, nil)
}

// DeleteNamespace implements Store.
func (s *ChromemStore) DeleteNamespace(ctx context.Context, p Partition) (err error) {
	ctx, done := instrument(ctx, chromemTracer, ProviderEmbedded, "ChromemStore.DeleteNamespace", "delete_namespace")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := embeddedNamer.Name(p)
	defer s.collections.forget(name)

	if s.db.GetCollection(name, embeddingFunc) == nil {
		return nil
	}
	if err = s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	if registry := s.db.GetCollection(chromemRegistry, embeddingFunc); registry != nil {
		if err = registry.Delete(ctx, nil, nil, name); err != nil {
			return fmt.Errorf("unregistering collection %s: %w", name, err)
		}
	}
	s.logger.Info("deleted chromem collection", zap.String("collection", name))
	return nil
}

// Dimensions implements Store.
func (s *ChromemStore) Dimensions(ctx context.Context, p Partition) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	name := embeddedNamer.Name(p)
	if s.db.GetCollection(name, embeddingFunc) == nil {
		return 0, nil
	}
	return s.size(ctx, name), nil
}

// chromemMetadata stringifies values for filtering and keeps a typed copy.
func chromemMetadata(md chunk.Metadata) (map[string]string, error) {
	out := make(map[string]string, len(md)+1)
	for k, v := range md {
		out[k] = chromemString(v)
	}
	typed, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	out[chromemMetadataKey] = string(typed)
	return out, nil
}

// chromemDecode prefers the typed copy and falls back to strings. The text
// copy is dropped; results carry it from the document content.
func chromemDecode(raw map[string]string) chunk.Metadata {
	if typed, ok := raw[chromemMetadataKey]; ok {
		var md chunk.Metadata
		if err := json.Unmarshal([]byte(typed), &md); err == nil {
			delete(md, chunk.MetadataTextKey)
			return md
		}
	}
	md := make(chunk.Metadata, len(raw))
	for k, v := range raw {
		if k != chromemMetadataKey && k != chunk.MetadataTextKey {
			md[k] = chunk.String(v)
		}
	}
	return md
}
