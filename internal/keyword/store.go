// Package keyword is the full-text retrieval path: chunks indexed in
// RediSearch and searched by terms, scoped to a partition.
package keyword

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

var tracer = otel.Tracer("recalld.keyword")

// ErrInvalidRequest is returned for malformed keyword requests.
var ErrInvalidRequest = errors.New("invalid keyword request")

// Paging limits.
const (
	DefaultLimit = 10
	MaxLimit     = 1000
)

// Config holds configuration for the RediSearch keyword store.
type Config struct {
	// Addr is the Redis host:port.
	// Default: "localhost:6379"
	Addr     string
	Password string
	DB       int

	// Index is the RediSearch index name.
	// Default: "recalld-keyword"
	Index string

	// KeyPrefix starts every hash key.
	// Default: "recalld:chunk:"
	KeyPrefix string

	// BatchSize bounds documents per pipeline.
	// Default: 50
	BatchSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Index == "" {
		c.Index = "recalld-keyword"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "recalld:chunk:"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = vectorstore.DefaultBatchSize
	}
}

// Document is a chunk as the keyword store sees it.
type Document struct {
	ID       string
	Text     string
	Metadata chunk.Metadata
}

// SearchRequest is a full-text query inside one partition.
type SearchRequest struct {
	Partition vectorstore.Partition
	Query     string

	// DocumentIDs restricts results to chunks of these documents.
	DocumentIDs []string

	// Filter is a raw RediSearch clause ANDed with the rest.
	Filter string

	// Page is 1-based.
	Page  int
	Limit int

	// MinScore drops hits scoring below it, after paging.
	MinScore *float32
}

// Hit is one search result.
type Hit struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Text     string         `json:"text"`
	Metadata chunk.Metadata `json:"metadata,omitempty"`
}

// SearchResponse carries one page of hits and the total match count.
type SearchResponse struct {
	Hits  []Hit `json:"hits"`
	Total int   `json:"total"`
}

// ListRequest lists chunk ids inside one partition.
type ListRequest struct {
	Partition   vectorstore.Partition
	DocumentIDs []string
	Filter      string
	Page        int
	Limit       int
}

// ListResponse carries one page of ids and the total match count.
type ListResponse struct {
	IDs   []string `json:"ids"`
	Total int      `json:"total"`
}

// Store indexes documents in RediSearch.
type Store struct {
	backend backend
	config  Config
	logger  *zap.Logger

	indexGroup singleflight.Group
	indexReady atomic.Bool
}

// NewStore connects to Redis. The index is created on first use.
func NewStore(config Config, logger *zap.Logger) *Store {
	config.ApplyDefaults()
	return newStore(newRedisBackend(config), config, logger)
}

func newStore(b backend, config Config, logger *zap.Logger) *Store {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: b, config: config, logger: logger}
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.backend.Close()
}

// ensureIndex creates the index once. A failure is not remembered.
func (s *Store) ensureIndex(ctx context.Context) error {
	if s.indexReady.Load() {
		return nil
	}
	_, err, _ := s.indexGroup.Do(s.config.Index, func() (any, error) {
		if s.indexReady.Load() {
			return nil, nil
		}
		if err := s.backend.CreateIndex(ctx, s.config.Index, s.config.KeyPrefix); err != nil {
			return nil, fmt.Errorf("creating index %s: %w", s.config.Index, err)
		}
		s.indexReady.Store(true)
		s.logger.Info("keyword index ready", zap.String("index", s.config.Index))
		return nil, nil
	})
	return err
}

// key is {prefix}{namespace}:{tenant}:{id}, every part encoded, so keys of
// different partitions never collide.
func (s *Store) key(p vectorstore.Partition, id string) string {
	return s.partitionPrefix(p) + EncodeID(id)
}

func (s *Store) partitionPrefix(p vectorstore.Partition) string {
	return s.config.KeyPrefix + EncodeID(p.NamespaceID) + ":" + tenantTag(p.TenantID) + ":"
}

func (s *Store) idFromKey(key string) (string, error) {
	i := strings.LastIndexByte(key, ':')
	return DecodeID(key[i+1:])
}

// Upsert replaces documents by id.
func (s *Store) Upsert(ctx context.Context, p vectorstore.Partition, docs []Document) (err error) {
	ctx, span := tracer.Start(ctx, "keyword.Upsert", trace.WithAttributes(
		attribute.String("partition", p.String()), attribute.Int("documents", len(docs))))
	defer func() { endSpan(span, err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	if err = s.ensureIndex(ctx); err != nil {
		return err
	}

	for i, batch := range lo.Chunk(docs, s.config.BatchSize) {
		hashes := make(map[string]map[string]any, len(batch))
		for _, d := range batch {
			fields, err := s.hash(p, d)
			if err != nil {
				return err
			}
			hashes[s.key(p, d.ID)] = fields
		}
		if err := s.backend.WriteHashes(ctx, hashes); err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) hash(p vectorstore.Partition, d Document) (map[string]any, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: document id required", ErrInvalidRequest)
	}
	documentID := d.ID
	if doc, _, err := chunk.ParseID(d.ID); err == nil {
		documentID = doc
	}
	md, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata of %s: %w", d.ID, err)
	}
	return map[string]any{
		fieldID:          EncodeID(d.ID),
		fieldText:        d.Text,
		fieldNamespaceID: EncodeID(p.NamespaceID),
		fieldTenantID:    tenantTag(p.TenantID),
		fieldDocumentID:  EncodeID(documentID),
		fieldMetadata:    string(md),
	}, nil
}

// Search runs a full-text query. Hits are ordered by score; MinScore is
// applied to the returned page.
func (s *Store) Search(ctx context.Context, req SearchRequest) (resp *SearchResponse, err error) {
	ctx, span := tracer.Start(ctx, "keyword.Search", trace.WithAttributes(
		attribute.String("partition", req.Partition.String())))
	defer func() { endSpan(span, err) }()

	if err = req.Partition.Validate(); err != nil {
		return nil, err
	}
	offset, limit, err := paging(req.Page, req.Limit)
	if err != nil {
		return nil, err
	}
	if err = s.ensureIndex(ctx); err != nil {
		return nil, err
	}

	query, err := buildQuery(req.Partition.NamespaceID, req.Partition.TenantID, req.DocumentIDs, req.Query, req.Filter)
	if err != nil {
		return nil, err
	}
	res, err := s.backend.Search(ctx, s.config.Index, query, searchOptions(offset, limit))
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	prefix := s.partitionPrefix(req.Partition)
	resp = &SearchResponse{Hits: make([]Hit, 0, len(res.Docs)), Total: res.Total}
	for _, doc := range res.Docs {
		if !strings.HasPrefix(doc.ID, prefix) {
			s.logger.Warn("dropping keyword hit outside the partition", zap.String("key", doc.ID))
			continue
		}
		hit, err := s.decodeHit(doc)
		if err != nil {
			s.logger.Warn("dropping undecodable keyword hit", zap.String("key", doc.ID), zap.Error(err))
			continue
		}
		if req.MinScore != nil && hit.Score < *req.MinScore {
			continue
		}
		resp.Hits = append(resp.Hits, hit)
	}
	span.SetAttributes(attribute.Int("hits", len(resp.Hits)), attribute.Int("total", res.Total))
	return resp, nil
}

func searchOptions(offset, limit int) *redis.FTSearchOptions {
	return &redis.FTSearchOptions{
		WithScores:     true,
		LimitOffset:    offset,
		Limit:          limit,
		DialectVersion: 2,
		Return: []redis.FTSearchReturn{
			{FieldName: fieldID},
			{FieldName: fieldText},
			{FieldName: fieldMetadata},
		},
	}
}

func (s *Store) decodeHit(doc redis.Document) (Hit, error) {
	encoded, ok := doc.Fields[fieldID]
	if !ok {
		i := strings.LastIndexByte(doc.ID, ':')
		encoded = doc.ID[i+1:]
	}
	id, err := DecodeID(encoded)
	if err != nil {
		return Hit{}, err
	}
	hit := Hit{ID: id, Text: doc.Fields[fieldText]}
	if doc.Score != nil {
		hit.Score = float32(*doc.Score)
	}
	if raw := doc.Fields[fieldMetadata]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &hit.Metadata); err != nil {
			return Hit{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return hit, nil
}

// ListIDs returns chunk ids matching the scoping filters, one page at a time.
func (s *Store) ListIDs(ctx context.Context, req ListRequest) (resp *ListResponse, err error) {
	ctx, span := tracer.Start(ctx, "keyword.ListIDs", trace.WithAttributes(
		attribute.String("partition", req.Partition.String())))
	defer func() { endSpan(span, err) }()

	if err = req.Partition.Validate(); err != nil {
		return nil, err
	}
	offset, limit, err := paging(req.Page, req.Limit)
	if err != nil {
		return nil, err
	}
	if err = s.ensureIndex(ctx); err != nil {
		return nil, err
	}

	query, err := buildQuery(req.Partition.NamespaceID, req.Partition.TenantID, req.DocumentIDs, "", req.Filter)
	if err != nil {
		return nil, err
	}
	res, err := s.backend.Search(ctx, s.config.Index, query, &redis.FTSearchOptions{
		NoContent:      true,
		LimitOffset:    offset,
		Limit:          limit,
		DialectVersion: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("listing ids: %w", err)
	}

	prefix := s.partitionPrefix(req.Partition)
	resp = &ListResponse{IDs: make([]string, 0, len(res.Docs)), Total: res.Total}
	for _, doc := range res.Docs {
		if !strings.HasPrefix(doc.ID, prefix) {
			s.logger.Warn("skipping key outside the partition", zap.String("key", doc.ID))
			continue
		}
		id, err := s.idFromKey(doc.ID)
		if err != nil {
			s.logger.Warn("skipping undecodable key", zap.String("key", doc.ID), zap.Error(err))
			continue
		}
		resp.IDs = append(resp.IDs, id)
	}
	return resp, nil
}

// DeleteByIDs removes documents of one partition.
func (s *Store) DeleteByIDs(ctx context.Context, p vectorstore.Partition, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "keyword.DeleteByIDs", trace.WithAttributes(
		attribute.String("partition", p.String()), attribute.Int("ids", len(ids))))
	defer func() { endSpan(span, err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	for i, batch := range lo.Chunk(ids, s.config.BatchSize) {
		keys := lo.Map(batch, func(id string, _ int) string { return s.key(p, id) })
		if err := s.backend.DeleteKeys(ctx, keys); err != nil {
			return fmt.Errorf("batch %d: deleting keys: %w", i, err)
		}
	}
	return nil
}

// paging converts a 1-based page and a limit into an offset.
func paging(page, limit int) (offset, n int, err error) {
	if page < 0 || limit < 0 {
		return 0, 0, fmt.Errorf("%w: page and limit must not be negative", ErrInvalidRequest)
	}
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		return 0, 0, fmt.Errorf("%w: limit %d exceeds %d", ErrInvalidRequest, limit, MaxLimit)
	}
	return (page - 1) * limit, limit, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
