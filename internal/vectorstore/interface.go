// Package vectorstore stores and queries embedded chunks against a closed set
// of vector database backends.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrEmptyChunks is returned when an upsert carries no chunks.
	ErrEmptyChunks = errors.New("empty or nil chunks")

	// ErrDimensionMismatch is returned when vectors disagree with the
	// dimensionality established for a partition. It is never retryable.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnsupportedMode is returned for query modes a backend cannot run.
	ErrUnsupportedMode = errors.New("unsupported query mode")

	// ErrInvalidTopK is returned when TopK is not positive.
	ErrInvalidTopK = errors.New("topK must be positive")

	// ErrInvalidPartition is returned when a partition has no namespace id.
	ErrInvalidPartition = errors.New("invalid partition")
)

// DimensionMismatchError reports expected and actual dimensionality.
type DimensionMismatchError struct {
	Partition string
	Expected  int
	Actual    int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: partition %s expects %d dimensions, got %d",
		ErrDimensionMismatch, e.Partition, e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error {
	return ErrDimensionMismatch
}

// Store is the interface every vector backend adapter implements.
//
// All operations are scoped to a Partition. Adapters derive the native
// partition (collection, namespace) deterministically from it, so no call
// can reach data written under another (namespace, tenant) pair.
//
// Reads and deletes against a partition that was never written return an
// empty result instead of an error. Upsert creates the partition lazily.
type Store interface {
	// Provider identifies the backend.
	Provider() Provider

	// Upsert writes chunks, replacing any existing chunk with the same id.
	// Chunks are dispatched in fixed-size batches, sequentially.
	Upsert(ctx context.Context, p Partition, chunks []chunk.Chunk) error

	// Query runs a nearest-neighbour search.
	Query(ctx context.Context, p Partition, req QueryRequest) ([]Result, error)

	// DeleteByIDs removes chunks by id.
	DeleteByIDs(ctx context.Context, p Partition, ids []string) error

	// DeleteByFilter removes every chunk matching expr. A nil expr is
	// rejected rather than treated as "delete everything".
	DeleteByFilter(ctx context.Context, p Partition, expr filter.Expr) error

	// DeleteNamespace drops the whole partition.
	DeleteNamespace(ctx context.Context, p Partition) error

	// Dimensions returns the partition's vector size, or 0 when the
	// partition does not exist yet.
	Dimensions(ctx context.Context, p Partition) (int, error)

	// Close releases client resources.
	Close() error
}

// checkVectors verifies every chunk has a vector of the same length and
// returns that length.
func checkVectors(name string, chunks []chunk.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, ErrEmptyChunks
	}
	dim := len(chunks[0].Vector)
	if dim == 0 {
		return 0, fmt.Errorf("%w: chunk %s has an empty vector", ErrInvalidConfig, chunks[0].ID)
	}
	for _, c := range chunks[1:] {
		if len(c.Vector) != dim {
			return 0, &DimensionMismatchError{Partition: name, Expected: dim, Actual: len(c.Vector)}
		}
	}
	return dim, nil
}

// errNilDeleteFilter guards DeleteByFilter against wiping a partition.
var errNilDeleteFilter = fmt.Errorf("%w: delete filter must not be empty", filter.ErrMalformed)
