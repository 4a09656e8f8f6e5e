package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

var qdrantTracer = otel.Tracer("recalld.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host and Port address the gRPC listener (6334), not REST (6333).
	// Defaults: localhost:6334.
	Host string
	Port int

	// APIKey authenticates against Qdrant Cloud. Optional.
	APIKey string

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// Distance is the similarity metric for new collections.
	// Default: Cosine
	Distance qdrant.Distance

	// MaxMessageSize caps gRPC messages both ways. Large topK queries with
	// payloads and batch upserts need more than grpc's 4MB. Default: 50MB.
	MaxMessageSize int

	Retry RetryConfig
}

func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Distance == 0 {
		c.Distance = qdrant.Distance_Cosine
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	c.Retry.ApplyDefaults()
}

func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// qdrantClient is the subset of *qdrant.Client the adapter uses.
type qdrantClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	GetCollectionInfo(ctx context.Context, collectionName string) (*qdrant.CollectionInfo, error)
	DeleteCollection(ctx context.Context, collectionName string) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Close() error
}

// QdrantStore stores each partition in its own Qdrant collection.
//
// Collections are created on first upsert with the dimensionality of the
// first batch. Point ids are UUIDs derived from chunk ids; the original id
// is kept in the payload.
type QdrantStore struct {
	client  qdrantClient
	config  QdrantConfig
	batcher batcher
	logger  *zap.Logger

	// collections caches the vector size of collections known to exist.
	collections initGroup
}

// NewQdrantStore connects to Qdrant over gRPC.
func NewQdrantStore(config QdrantConfig, batching BatchConfig, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	if !config.UseTLS && logger != nil {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled",
			zap.String("host", config.Host), zap.Int("port", config.Port))
	}
	return newQdrantStore(client, config, batching.batcher(), logger), nil
}

func newQdrantStore(client qdrantClient, config QdrantConfig, b batcher, logger *zap.Logger) *QdrantStore {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantStore{client: client, config: config, batcher: b, logger: logger}
}

// Provider implements Store.
func (s *QdrantStore) Provider() Provider { return ProviderQdrant }

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, p Partition, chunks []chunk.Chunk) (err error) {
	ctx, done := instrument(ctx, qdrantTracer, ProviderQdrant, "QdrantStore.Upsert", "upsert")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := qdrantNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("collection", name), attribute.Int("chunks", len(chunks)))

	dim, err := checkVectors(name, chunks)
	if err != nil {
		return err
	}
	if err = s.ensureCollection(ctx, name, dim); err != nil {
		return err
	}

	return dispatchBatches(ctx, s.batcher, chunks, func(ctx context.Context, batch []chunk.Chunk) error {
		points := make([]*qdrant.PointStruct, len(batch))
		for i, c := range batch {
			points[i] = qdrantPoint(c)
		}
		BatchSize.WithLabelValues(ProviderQdrant.String()).Observe(float64(len(batch)))
		return retryOperation(ctx, s.config.Retry, "upsert", func() error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: name,
				Wait:           qdrant.PtrOf(true),
				Points:         points,
			})
			return err
		})
	})
}

// ensureCollection creates the collection on first use and checks that its
// vector size matches dim.
func (s *QdrantStore) ensureCollection(ctx context.Context, name string, dim int) error {
	v, err := s.collections.do(ctx, name, func(ctx context.Context) (any, error) {
		size, err := s.collectionSize(ctx, name)
		if err != nil {
			return nil, err
		}
		if size > 0 {
			return size, nil
		}
		err = retryOperation(ctx, s.config.Retry, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: s.config.Distance,
				}),
			})
		})
		if err != nil {
			return nil, fmt.Errorf("creating collection %s: %w", name, err)
		}
		PartitionsCreated.WithLabelValues(ProviderQdrant.String()).Inc()
		s.logger.Info("created qdrant collection", zap.String("collection", name), zap.Int("dimensions", dim))
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

// collectionSize returns the collection's vector size, or 0 when it does
// not exist.
func (s *QdrantStore) collectionSize(ctx context.Context, name string) (int, error) {
	var size int
	err := retryOperation(ctx, s.config.Retry, "collection_info", func() error {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			size = 0
			return nil
		}
		info, err := s.client.GetCollectionInfo(ctx, name)
		if isQdrantNotFound(err) {
			size = 0
			return nil
		}
		if err != nil {
			return err
		}
		size = int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("checking collection %s: %w", name, err)
	}
	return size, nil
}

// Query implements Store.
func (s *QdrantStore) Query(ctx context.Context, p Partition, req QueryRequest) (results []Result, err error) {
	ctx, done := instrument(ctx, qdrantTracer, ProviderQdrant, "QdrantStore.Query", "query")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return nil, err
	}
	if err = req.validate(); err != nil {
		return nil, err
	}
	name := qdrantNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("collection", name), attribute.Int("top_k", req.TopK))

	if known, ok := s.collections.peek(name); ok && known.(int) != len(req.Vector) {
		return nil, &DimensionMismatchError{Partition: name, Expected: known.(int), Actual: len(req.Vector)}
	}

	f, err := TranslateQdrantFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = retryOperation(ctx, s.config.Retry, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(req.Vector...),
			Limit:          qdrant.PtrOf(uint64(req.TopK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         f,
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if isQdrantNotFound(err) {
		return []Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	results = make([]Result, 0, len(points))
	for _, point := range points {
		id, text, md := qdrantDecode(point.GetPayload())
		if id == "" {
			id = point.GetId().GetUuid()
		}
		delete(md, chunk.MetadataTextKey)
		if !req.IncludeMetadata {
			md = nil
		}
		results = append(results, newResult(id, point.GetScore(), text, md))
	}
	results = applyMinScore(results, req.MinScore)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// DeleteByIDs implements Store.
func (s *QdrantStore) DeleteByIDs(ctx context.Context, p Partition, ids []string) (err error) {
	ctx, done := instrument(ctx, qdrantTracer, ProviderQdrant, "QdrantStore.DeleteByIDs", "delete_ids")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	name := qdrantNamer.Name(p)

	return dispatchBatches(ctx, s.batcher, ids, func(ctx context.Context, batch []string) error {
		pointIDs := make([]*qdrant.PointId, len(batch))
		for i, id := range batch {
			pointIDs[i] = qdrantPointID(id)
		}
		return s.deletePoints(ctx, name, &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		})
	})
}

// DeleteByFilter implements Store.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, p Partition, expr filter.Expr) (err error) {
	ctx, done := instrument(ctx, qdrantTracer, ProviderQdrant, "QdrantStore.DeleteByFilter", "delete_filter")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if expr == nil {
		return errNilDeleteFilter
	}
	f, err := TranslateQdrantFilter(expr)
	if err != nil {
		return err
	}
	if f == nil {
		return errNilDeleteFilter
	}
	return s.deletePoints(ctx, qdrantNamer.Name(p), &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: f},
	})
}

func (s *QdrantStore) deletePoints(ctx context.Context, name string, sel *qdrant.PointsSelector) error {
	err := retryOperation(ctx, s.config.Retry, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         sel,
		})
		return err
	})
	if isQdrantNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting from collection %s: %w", name, err)
	}
	return nil
}

// DeleteNamespace implements Store.
func (s *QdrantStore) DeleteNamespace(ctx context.Context, p Partition) (err error) {
	ctx, done := instrument(ctx, qdrantTracer, ProviderQdrant, "QdrantStore.DeleteNamespace", "delete_namespace")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := qdrantNamer.Name(p)
	defer s.collections.forget(name)

	err = retryOperation(ctx, s.config.Retry, "delete_collection", func() error {
		return s.client.DeleteCollection(ctx, name)
	})
	if isQdrantNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	s.logger.Info("deleted qdrant collection", zap.String("collection", name))
	return nil
}

// Dimensions implements Store.
func (s *QdrantStore) Dimensions(ctx context.Context, p Partition) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	name := qdrantNamer.Name(p)
	if v, ok := s.collections.peek(name); ok {
		return v.(int), nil
	}
	return s.collectionSize(ctx, name)
}
