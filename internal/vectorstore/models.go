package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

// Partition scopes every operation to a (namespace, tenant) pair.
type Partition struct {
	NamespaceID string
	TenantID    string
}

// Validate checks that the namespace id is set.
func (p Partition) Validate() error {
	if p.NamespaceID == "" {
		return fmt.Errorf("%w: namespace id required", ErrInvalidPartition)
	}
	return nil
}

func (p Partition) String() string {
	if p.TenantID == "" {
		return p.NamespaceID
	}
	return p.NamespaceID + "/" + p.TenantID
}

// Mode selects the kind of search a query runs.
type Mode string

const (
	// ModeSemantic is an approximate nearest-neighbour search over Vector.
	ModeSemantic Mode = "semantic"
)

// QueryRequest describes a search.
type QueryRequest struct {
	Mode   Mode
	Vector []float32
	TopK   int

	// Filter is compiled by the adapter's translator. nil matches everything.
	Filter filter.Expr

	// MinScore drops results scoring below it. Applied client-side after
	// the native call so every backend counts results the same way.
	MinScore *float32

	// IncludeMetadata controls whether metadata is decoded into results.
	IncludeMetadata bool
}

func (r QueryRequest) validate() error {
	if r.Mode != "" && r.Mode != ModeSemantic {
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, r.Mode)
	}
	if r.TopK <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidTopK, r.TopK)
	}
	if len(r.Vector) == 0 {
		return fmt.Errorf("%w: query vector required", ErrInvalidConfig)
	}
	return nil
}

// Result is a single search hit.
type Result struct {
	ID string `json:"id"`

	// Score is backend-native similarity, higher is closer. Scores from
	// different backends are not comparable.
	Score *float32 `json:"score,omitempty"`

	Text     string         `json:"text,omitempty"`
	Metadata chunk.Metadata `json:"metadata,omitempty"`

	// Relationships links the chunk to its source document.
	Relationships map[string]string `json:"relationships,omitempty"`
}

// Relationship keys.
const (
	RelationshipDocument = "document"
	RelationshipChunk    = "chunk"
)

func newResult(id string, score float32, text string, md chunk.Metadata) Result {
	r := Result{ID: id, Score: &score, Text: text, Metadata: md}
	if doc, local, err := chunk.ParseID(id); err == nil {
		r.Relationships = map[string]string{
			RelationshipDocument: doc,
			RelationshipChunk:    local,
		}
	}
	return r
}

// applyMinScore keeps results scoring at least min, preserving order.
func applyMinScore(results []Result, min *float32) []Result {
	if min == nil {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Score != nil && *r.Score >= *min {
			out = append(out, r)
		}
	}
	return out
}

// IDs returns result ids in order.
func IDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}
