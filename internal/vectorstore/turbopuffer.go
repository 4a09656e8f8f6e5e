package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/turbopuffer/turbopuffer-go"
	"github.com/turbopuffer/turbopuffer-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

var turbopufferTracer = otel.Tracer("recalld.vectorstore.turbopuffer")

// TurbopufferConfig holds configuration for the turbopuffer API client.
type TurbopufferConfig struct {
	// BaseURL is the regional API endpoint.
	// Default: "https://api.turbopuffer.com"
	BaseURL string

	// APIKey authenticates requests.
	APIKey string

	// Timeout bounds each HTTP request attempt.
	// Default: 30s
	Timeout time.Duration

	Retry RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *TurbopufferConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.turbopuffer.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	c.Retry.ApplyDefaults()
}

// Validate validates the configuration.
func (c TurbopufferConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: turbopuffer api key required", ErrInvalidConfig)
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("%w: invalid turbopuffer base url: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Attribute names with special meaning in turbopuffer rows.
const (
	turbopufferIDKey     = "id"
	turbopufferVectorKey = "vector"
	turbopufferDistKey   = "$dist"
)

// turbopufferSchema is sent with the first write to a namespace so chunk
// text is indexed for full-text search.
var turbopufferSchema = map[string]any{
	chunk.MetadataTextKey: map[string]any{
		"type":             "string",
		"full_text_search": true,
	},
}

// turbopufferNamespace is what the store remembers about a namespace.
type turbopufferNamespace struct {
	mu         sync.Mutex
	dimensions int
	// schemaPending is true until the first write carried the schema.
	schemaPending bool
}

func (n *turbopufferNamespace) state() (dimensions int, schemaPending bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dimensions, n.schemaPending
}

// written records the write that created the namespace.
func (n *turbopufferNamespace) written(dim int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.schemaPending = false
	if n.dimensions == 0 {
		n.dimensions = dim
	}
}

// turbopufferAPI is the subset of the turbopuffer client the adapter uses.
// Requests go through the client's generic Execute so the filter wire form
// produced by TranslateTurbopufferFilter is sent as is.
type turbopufferAPI interface {
	Execute(ctx context.Context, method, path string, params, res any, opts ...option.RequestOption) error
}

// TurbopufferStore maps each partition onto a turbopuffer namespace.
// Namespaces come into existence on first write.
type TurbopufferStore struct {
	api     turbopufferAPI
	http    *http.Client
	config  TurbopufferConfig
	batcher batcher
	logger  *zap.Logger

	namespaces initGroup // name -> *turbopufferNamespace
	created    initGroup // name -> dimensions of the write that carried the schema
}

// NewTurbopufferStore creates a store talking to the turbopuffer API.
// Transient failures are retried by the client, up to Retry.MaxRetries.
func NewTurbopufferStore(config TurbopufferConfig, batching BatchConfig, logger *zap.Logger) (*TurbopufferStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{Timeout: config.Timeout}
	client := turbopuffer.NewClient(
		option.WithAPIKey(config.APIKey),
		option.WithBaseURL(config.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(config.Retry.MaxRetries),
	)
	return newTurbopufferStore(&client, httpClient, config, batching, logger), nil
}

func newTurbopufferStore(api turbopufferAPI, httpClient *http.Client, config TurbopufferConfig, batching BatchConfig, logger *zap.Logger) *TurbopufferStore {
	return &TurbopufferStore{
		api:     api,
		http:    httpClient,
		config:  config,
		batcher: batching.batcher(),
		logger:  logger,
	}
}

// Provider implements Store.
func (s *TurbopufferStore) Provider() Provider { return ProviderTurbopuffer }

// Close releases idle connections.
func (s *TurbopufferStore) Close() error {
	if s.http != nil {
		s.http.CloseIdleConnections()
	}
	return nil
}

// turbopufferWrite is the body of POST /v2/namespaces/{ns}.
type turbopufferWrite struct {
	UpsertRows     []map[string]any `json:"upsert_rows,omitempty"`
	Deletes        []string         `json:"deletes,omitempty"`
	DeleteByFilter []any            `json:"delete_by_filter,omitempty"`
	DistanceMetric string           `json:"distance_metric,omitempty"`
	Schema         map[string]any   `json:"schema,omitempty"`
}

type turbopufferQuery struct {
	RankBy            []any `json:"rank_by"`
	TopK              int   `json:"top_k"`
	Filters           []any `json:"filters,omitempty"`
	IncludeAttributes bool  `json:"include_attributes"`
}

type turbopufferQueryResponse struct {
	Rows []map[string]any `json:"rows"`
}

// Upsert implements Store. The first write to a new namespace carries the
// schema and runs once per namespace; concurrent writers wait for it and
// then check their dimensions against the ones it recorded.
func (s *TurbopufferStore) Upsert(ctx context.Context, p Partition, chunks []chunk.Chunk) (err error) {
	ctx, done := instrument(ctx, turbopufferTracer, ProviderTurbopuffer, "TurbopufferStore.Upsert", "upsert")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := turbopufferNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("namespace", name), attribute.Int("chunks", len(chunks)))

	dim, err := checkVectors(name, chunks)
	if err != nil {
		return err
	}
	ns, err := s.namespace(ctx, name)
	if err != nil {
		return err
	}

	rest := chunks
	if _, pending := ns.state(); pending {
		first := chunks[:min(len(chunks), s.batcher.size)]
		led := false
		if _, err = s.created.do(ctx, name, func(ctx context.Context) (any, error) {
			led = true
			if err := s.writeRows(ctx, name, first, true); err != nil {
				return nil, err
			}
			ns.written(dim)
			PartitionsCreated.WithLabelValues(ProviderTurbopuffer.String()).Inc()
			s.logger.Info("created turbopuffer namespace", zap.String("namespace", name), zap.Int("dimensions", dim))
			return dim, nil
		}); err != nil {
			return err
		}
		if led {
			rest = chunks[len(first):]
		}
	}
	if expected, _ := ns.state(); expected > 0 && expected != dim {
		return &DimensionMismatchError{Partition: name, Expected: expected, Actual: dim}
	}
	if len(rest) == 0 {
		return nil
	}
	return s.writeRows(ctx, name, rest, false)
}

// writeRows upserts chunks in batches. withSchema attaches the namespace
// schema to every request.
func (s *TurbopufferStore) writeRows(ctx context.Context, name string, chunks []chunk.Chunk, withSchema bool) error {
	return dispatchBatches(ctx, s.batcher, chunks, func(ctx context.Context, batch []chunk.Chunk) error {
		rows := make([]map[string]any, len(batch))
		for i, c := range batch {
			rows[i] = turbopufferRow(c)
		}
		body := turbopufferWrite{UpsertRows: rows, DistanceMetric: "cosine_distance"}
		if withSchema {
			body.Schema = turbopufferSchema
		}
		BatchSize.WithLabelValues(ProviderTurbopuffer.String()).Observe(float64(len(batch)))
		return s.call(ctx, "upsert", http.MethodPost, turbopufferPath("v2", name), body, nil)
	})
}

// namespace loads the namespace's schema once. A missing namespace is
// recorded with zero dimensions and a pending schema.
func (s *TurbopufferStore) namespace(ctx context.Context, name string) (*turbopufferNamespace, error) {
	v, err := s.namespaces.do(ctx, name, func(ctx context.Context) (any, error) {
		dim, err := s.fetchDimensions(ctx, name)
		if err != nil {
			return nil, err
		}
		return &turbopufferNamespace{dimensions: dim, schemaPending: dim == 0}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*turbopufferNamespace), nil
}

// fetchDimensions reads the vector type from the namespace schema, e.g.
// "[384]f32". It returns 0 when the namespace does not exist.
func (s *TurbopufferStore) fetchDimensions(ctx context.Context, name string) (int, error) {
	var schema map[string]struct {
		Type string `json:"type"`
	}
	err := s.call(ctx, "schema", http.MethodGet, turbopufferPath("v1", name)+"/schema", nil, &schema)
	if isTurbopufferNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema of namespace %s: %w", name, err)
	}
	vec, ok := schema[turbopufferVectorKey]
	if !ok {
		return 0, nil
	}
	var dim int
	if _, err := fmt.Sscanf(vec.Type, "[%d]", &dim); err != nil {
		return 0, fmt.Errorf("parsing vector type %q of namespace %s: %w", vec.Type, name, err)
	}
	return dim, nil
}

// Query implements Store. Scores are 1 - cosine distance.
func (s *TurbopufferStore) Query(ctx context.Context, p Partition, req QueryRequest) (results []Result, err error) {
	ctx, done := instrument(ctx, turbopufferTracer, ProviderTurbopuffer, "TurbopufferStore.Query", "query")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return nil, err
	}
	if err = req.validate(); err != nil {
		return nil, err
	}
	name := turbopufferNamer.Name(p)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("namespace", name), attribute.Int("top_k", req.TopK))

	f, err := TranslateTurbopufferFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	var res turbopufferQueryResponse
	err = s.call(ctx, "query", http.MethodPost, turbopufferPath("v2", name)+"/query", turbopufferQuery{
		RankBy:            []any{turbopufferVectorKey, "ANN", req.Vector},
		TopK:              req.TopK,
		Filters:           f,
		IncludeAttributes: true,
	}, &res)
	if isTurbopufferNotFound(err) {
		return []Result{}, nil
	}
	if err != nil {
		return nil, err
	}

	results = make([]Result, 0, len(res.Rows))
	for _, row := range res.Rows {
		r, ok := turbopufferResult(row)
		if !ok {
			s.logger.Debug("dropping turbopuffer row without id", zap.String("namespace", name))
			continue
		}
		if !req.IncludeMetadata {
			r.Metadata = nil
		}
		results = append(results, r)
	}
	return applyMinScore(results, req.MinScore), nil
}

// DeleteByIDs implements Store.
func (s *TurbopufferStore) DeleteByIDs(ctx context.Context, p Partition, ids []string) (err error) {
	ctx, done := instrument(ctx, turbopufferTracer, ProviderTurbopuffer, "TurbopufferStore.DeleteByIDs", "delete_ids")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	name := turbopufferNamer.Name(p)
	return dispatchBatches(ctx, s.batcher, ids, func(ctx context.Context, batch []string) error {
		err := s.call(ctx, "delete", http.MethodPost, turbopufferPath("v2", name), turbopufferWrite{Deletes: batch}, nil)
		if isTurbopufferNotFound(err) {
			return nil
		}
		return err
	})
}

// DeleteByFilter implements Store.
func (s *TurbopufferStore) DeleteByFilter(ctx context.Context, p Partition, expr filter.Expr) (err error) {
	ctx, done := instrument(ctx, turbopufferTracer, ProviderTurbopuffer, "TurbopufferStore.DeleteByFilter", "delete_filter")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	if expr == nil {
		return errNilDeleteFilter
	}
	f, err := TranslateTurbopufferFilter(expr)
	if err != nil {
		return err
	}
	if f == nil {
		return errNilDeleteFilter
	}
	err = s.call(ctx, "delete_filter", http.MethodPost, turbopufferPath("v2", turbopufferNamer.Name(p)), turbopufferWrite{DeleteByFilter: f}, nil)
	if isTurbopufferNotFound(err) {
		return nil
	}
	return err
}

// DeleteNamespace implements Store.
func (s *TurbopufferStore) DeleteNamespace(ctx context.Context, p Partition) (err error) {
	ctx, done := instrument(ctx, turbopufferTracer, ProviderTurbopuffer, "TurbopufferStore.DeleteNamespace", "delete_namespace")
	defer func() { done(err) }()

	if err = p.Validate(); err != nil {
		return err
	}
	name := turbopufferNamer.Name(p)
	defer func() {
		s.namespaces.forget(name)
		s.created.forget(name)
	}()

	err = s.call(ctx, "delete_namespace", http.MethodDelete, turbopufferPath("v2", name), nil, nil)
	if isTurbopufferNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("deleted turbopuffer namespace", zap.String("namespace", name))
	return nil
}

// Dimensions implements Store.
func (s *TurbopufferStore) Dimensions(ctx context.Context, p Partition) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	name := turbopufferNamer.Name(p)
	if v, ok := s.namespaces.peek(name); ok {
		if dim, _ := v.(*turbopufferNamespace).state(); dim > 0 {
			return dim, nil
		}
	}
	return s.fetchDimensions(ctx, name)
}

// turbopufferPath is relative to the client's base URL.
func turbopufferPath(version, name string) string {
	return version + "/namespaces/" + url.PathEscape(name)
}

// call sends one request and decodes the JSON response into out when it is
// non-nil. The body is always read so the connection can be reused.
func (s *TurbopufferStore) call(ctx context.Context, op, method, path string, params, out any) error {
	var raw []byte
	if err := s.api.Execute(ctx, method, path, params, &raw); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// isTurbopufferNotFound reports whether err is a 404 from the API.
func isTurbopufferNotFound(err error) bool {
	var apiErr *turbopuffer.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// turbopufferRow flattens a chunk into a row: metadata become attributes
// next to id, vector and text.
func turbopufferRow(c chunk.Chunk) map[string]any {
	row := make(map[string]any, len(c.Metadata)+3)
	for k, v := range c.Metadata {
		row[k] = turbopufferScalar(v)
	}
	row[turbopufferIDKey] = c.ID
	row[turbopufferVectorKey] = c.Vector
	row[chunk.MetadataTextKey] = c.Text
	return row
}

func turbopufferResult(row map[string]any) (Result, bool) {
	id, ok := row[turbopufferIDKey].(string)
	if !ok || id == "" {
		return Result{}, false
	}
	var dist float64
	if n, ok := row[turbopufferDistKey].(json.Number); ok {
		dist, _ = n.Float64()
	}
	text, _ := row[chunk.MetadataTextKey].(string)

	md := make(chunk.Metadata, len(row))
	for k, raw := range row {
		switch k {
		case turbopufferIDKey, turbopufferVectorKey, turbopufferDistKey, chunk.MetadataTextKey:
			continue
		}
		if v, err := chunk.ValueFromAny(raw); err == nil {
			md[k] = v
		}
	}
	return newResult(id, float32(1-dist), text, md), true
}
