package vectorstore

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

var pineconeTracer = otel.Tracer("recalld.vectorstore.pinecone")

// PineconeConfig holds configuration for a Pinecone index.
type PineconeConfig struct {
	// APIKey authenticates against Pinecone.
	APIKey string

	// IndexHost is the data-plane host of the index, as shown in the
	// Pinecone console.
	IndexHost string

	Retry RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *PineconeConfig) ApplyDefaults() {
	c.Retry.ApplyDefaults()
}

// Validate validates the configuration.
func (c PineconeConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: pinecone api key required", ErrInvalidConfig)
	}
	if c.IndexHost == "" {
		return fmt.Errorf("%w: pinecone index host required", ErrInvalidConfig)
	}
	return nil
}

// pineconeNamespace is the subset of *pinecone.IndexConnection the adapter
// uses. A connection is bound to one namespace.
type pineconeNamespace interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	DeleteVectorsById(ctx context.Context, ids []string) error
	DeleteVectorsByFilter(ctx context.Context, metadataFilter *pinecone.MetadataFilter) error
	DeleteAllVectorsInNamespace(ctx context.Context) error
	DescribeIndexStats(ctx context.Context) (*pinecone.DescribeIndexStatsResponse, error)
	Close() error
}

// pineconeDialer opens a connection scoped to a namespace.
type pineconeDialer func(namespace string) (pineconeNamespace, error)

// PineconeStore maps each partition onto a namespace of a single index.
// Namespaces need no creation; the index dimension is fixed when the index
// is provisioned.
type PineconeStore struct {
	dial    pineconeDialer
	config  PineconeConfig
	batcher batcher
	logger  *zap.Logger

	conns initGroup // namespace -> pineconeNamespace

	// dimension caches the index dimension under a single key.
	dimension initGroup
}

// NewPineconeStore creates a store for the configured index.
func NewPineconeStore(config PineconeConfig, batching BatchConfig, logger *zap.Logger) (*PineconeStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: config.APIKey})
	if err != nil {
		return nil, fmt.Errorf("creating pinecone client: %w", err)
	}
	dial := func(namespace string) (pineconeNamespace, error) {
		return pc.Index(pinecone.NewIndexConnParams{Host: config.IndexHost, Namespace: namespace})
	}
	return newPineconeStore(dial, config, batching.batcher(), logger), nil
}

func newPineconeStore(dial pineconeDialer, config PineconeConfig, b batcher, logger *zap.Logger) *PineconeStore {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PineconeStore{dial: dial, config: config, batcher: b, logger: logger}
}

// Provider implements Store.
func (s *PineconeStore) Provider() Provider { return ProviderPinecone }

// Close closes every open namespace connection.
func (s *PineconeStore) Close() error {
	var firstErr error
	s.conns.each(func(ns string, v any) {
		if err := v.(pineconeNamespace).Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing namespace %s: %w", ns, err)
		}
		s.conns.forget(ns)
	})
	return firstErr
}

func (s *PineconeStore) namespace(ctx context.Context, name string) (pineconeNamespace, error) {
	v, err := s.conns.do(ctx, name, func(context.Context) (any, error) {
		conn, err := s.dial(name)
		if err != nil {
			return nil, fmt.Errorf("connecting to pinecone namespace %s: %w", name, err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(pineconeNamespace), nil
}

// indexDimension returns the dimension the index was provisioned with.
func (s *PineconeStore) indexDimension(ctx context.Context, conn pineconeNamespace) (int, error) {
	v, err := s.dimension.do(ctx, "index", func(ctx context.Context) (any, error) {
		stats, err := s.describe(ctx, conn)
		if err != nil {
			return nil, err
		}
		return int(stats.Dimension), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *PineconeStore) describe(ctx context.Context, conn pineconeNamespace) (*pinecone.DescribeIndexStatsResponse, error) {
	var stats *pinecone.DescribeIndexStatsResponse
	err := retryOperation(ctx, s.config.Retry, "describe_index_stats", func() error {
		res, err := conn.DescribeIndexStats(ctx)
		if err != nil {
			return err
		}
		stats = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("describing pinecone index: %w", err)
	}
	return stats, nil
}

// Upsert implements Store.
func (s *PineconeStore) Upsert(ctx context.Context, p Partition, chunks []chunk.Chunk) (err error) {
	ctx, done := instrument(ctx, pineconeTracer, ProviderPinecone, "PineconeStore.Upsert", "upsert")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := pineconeNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("namespace", name), attribute.Int("chunks", len(chunks)))

	dim, err := checkVectors(name, chunks)
	if err != nil {
		return err
	}
	conn, err := s.namespace(ctx, name)
	if err != nil {
		return err
	}
	expected, err := s.indexDimension(ctx, conn)
	if err != nil {
		return err
	}
	if expected > 0 && expected != dim {
		return &DimensionMismatchError{Partition: name, Expected: expected, Actual: dim}
	}

	return dispatchBatches(ctx, s.batcher, chunks, func(ctx context.Context, batch []chunk.Chunk) error {
		vectors := make([]*pinecone.Vector, len(batch))
		for i, c := range batch {
			md, err := pineconeMetadata(c)
			if err != nil {
				return err
			}
			vectors[i] = &pinecone.Vector{Id: c.ID, Values: c.Vector, Metadata: md}
		}
		BatchSize.WithLabelValues(ProviderPinecone.String()).Observe(float64(len(batch)))
		return retryOperation(ctx, s.config.Retry, "upsert", func() error {
			_, err := conn.UpsertVectors(ctx, vectors)
			return err
		})
	})
}

// Query implements Store.
func (s *PineconeStore) Query(ctx context.Context, p Partition, req QueryRequest) (results []Result, err error) {
	ctx, done := instrument(ctx, pineconeTracer, ProviderPinecone, "PineconeStore.Query", "query")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return nil, err
	}
	if err = req.validate(); err != nil {
		return nil, err
	}
	name := pineconeNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("namespace", name), attribute.Int("top_k", req.TopK))

	f, err := TranslatePineconeFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	conn, err := s.namespace(ctx, name)
	if err != nil {
		return nil, err
	}

	var res *pinecone.QueryVectorsResponse
	err = retryOperation(ctx, s.config.Retry, "query", func() error {
		r, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
			Vector:          req.Vector,
			TopK:            uint32(req.TopK),
			MetadataFilter:  f,
			IncludeMetadata: true,
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if isPineconeNotFound(err) {
		return []Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying namespace %s: %w", name, err)
	}

	results = make([]Result, 0, len(res.Matches))
	for _, match := range res.Matches {
		if match == nil || match.Vector == nil || match.Vector.Metadata == nil {
			continue
		}
		text, md, ok := pineconeDecode(match.Vector.Metadata)
		if !ok {
			s.logger.Debug("dropping pinecone match with undecodable metadata",
				zap.String("namespace", name), zap.String("id", match.Vector.Id))
			continue
		}
		if !req.IncludeMetadata {
			md = nil
		}
		results = append(results, newResult(match.Vector.Id, match.Score, text, md))
	}
	return applyMinScore(results, req.MinScore), nil
}

// DeleteByIDs implements Store.
func (s *PineconeStore) DeleteByIDs(ctx context.Context, p Partition, ids []string) (err error) {
	ctx, done := instrument(ctx, pineconeTracer, ProviderPinecone, "PineconeStore.DeleteByIDs", "delete_ids")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.namespace(ctx, pineconeNamer.Name(p))
	if err != nil {
		return err
	}
	return dispatchBatches(ctx, s.batcher, ids, func(ctx context.Context, batch []string) error {
		return s.ignoreNotFound(retryOperation(ctx, s.config.Retry, "delete_ids", func() error {
			return conn.DeleteVectorsById(ctx, batch)
		}))
	})
}

// DeleteByFilter implements Store.
func (s *PineconeStore) DeleteByFilter(ctx context.Context, p Partition, expr filter.Expr) (err error) {
	ctx, done := instrument(ctx, pineconeTracer, ProviderPinecone, "PineconeStore.DeleteByFilter", "delete_filter")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if expr == nil {
		return errNilDeleteFilter
	}
	f, err := TranslatePineconeFilter(expr)
	if err != nil {
		return err
	}
	if f == nil {
		return errNilDeleteFilter
	}
	conn, err := s.namespace(ctx, pineconeNamer.Name(p))
	if err != nil {
		return err
	}
	return s.ignoreNotFound(retryOperation(ctx, s.config.Retry, "delete_filter", func() error {
		return conn.DeleteVectorsByFilter(ctx, f)
	}))
}

// DeleteNamespace implements Store.
func (s *PineconeStore) DeleteNamespace(ctx context.Context, p Partition) (err error) {
	ctx, done := instrument(ctx, pineconeTracer, ProviderPinecone, "PineconeStore.DeleteNamespace", "delete_namespace")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := pineconeNamer.Name(p)
	conn, err := s.namespace(ctx, name)
	if err != nil {
		return err
	}
	err = s.ignoreNotFound(retryOperation(ctx, s.config.Retry, "delete_namespace", func() error {
		return conn.DeleteAllVectorsInNamespace(ctx)
	}))
	if err != nil {
		return err
	}
	s.logger.Info("deleted pinecone namespace", zap.String("namespace", name))
	return nil
}

// Dimensions implements Store. Every namespace shares the index dimension,
// so an empty namespace reports 0.
func (s *PineconeStore) Dimensions(ctx context.Context, p Partition) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	name := pineconeNamer.Name(p)
	conn, err := s.namespace(ctx, name)
	if err != nil {
		return 0, err
	}
	stats, err := s.describe(ctx, conn)
	if err != nil {
		return 0, err
	}
	if ns, ok := stats.Namespaces[name]; !ok || ns == nil || ns.VectorCount == 0 {
		return 0, nil
	}
	return int(stats.Dimension), nil
}

func (s *PineconeStore) ignoreNotFound(err error) error {
	if isPineconeNotFound(err) {
		return nil
	}
	return err
}

// pineconeMetadata encodes metadata with the text duplicated under "text".
func pineconeMetadata(c chunk.Chunk) (*pinecone.Metadata, error) {
	md := c.WithText()
	fields := make(map[string]any, len(md))
	for k, v := range md {
		fields[k] = pineconeScalar(v)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata of chunk %s: %w", c.ID, err)
	}
	return s, nil
}

// pineconeDecode extracts text and metadata. It reports false when the
// metadata holds values outside the metadata model.
func pineconeDecode(s *structpb.Struct) (string, chunk.Metadata, bool) {
	var text string
	md := make(chunk.Metadata, len(s.GetFields()))
	for k, v := range s.GetFields() {
		val, err := chunk.ValueFromAny(v.AsInterface())
		if err != nil {
			return "", nil, false
		}
		if k == chunk.MetadataTextKey {
			text, _ = val.Str()
			continue
		}
		md[k] = val
	}
	return text, md, true
}
