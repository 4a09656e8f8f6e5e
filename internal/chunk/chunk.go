// Package chunk defines the embedded text unit stored by every vector backend.
package chunk

import (
	"errors"
	"fmt"
	"strings"
)

// IDSeparator joins a document id and a chunk-local id.
const IDSeparator = "#"

// ErrInvalidID is returned when a chunk id cannot be composed or parsed.
var ErrInvalidID = errors.New("invalid chunk id")

// Chunk is one embedded unit of text.
type Chunk struct {
	// ID is "{documentId}#{chunkLocalId}", unique within a namespace.
	ID string

	// Vector is the embedding. Its length is fixed per backend partition.
	Vector []float32

	// Text is the chunk content.
	Text string

	// Metadata holds filterable attributes.
	Metadata Metadata
}

// ComposeID builds a chunk id from a document id and a chunk-local id.
// The document id must not contain the separator.
func ComposeID(documentID, localID string) (string, error) {
	if documentID == "" {
		return "", fmt.Errorf("%w: document id required", ErrInvalidID)
	}
	if localID == "" {
		return "", fmt.Errorf("%w: chunk local id required", ErrInvalidID)
	}
	if strings.Contains(documentID, IDSeparator) {
		return "", fmt.Errorf("%w: document id %q contains %q", ErrInvalidID, documentID, IDSeparator)
	}
	return documentID + IDSeparator + localID, nil
}

// ParseID splits a chunk id at the first separator.
func ParseID(id string) (documentID, localID string, err error) {
	documentID, localID, ok := strings.Cut(id, IDSeparator)
	if !ok || documentID == "" || localID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return documentID, localID, nil
}

// WithText returns a copy of the metadata with text duplicated under
// MetadataTextKey.
func (c Chunk) WithText() Metadata {
	md := c.Metadata.Clone()
	md[MetadataTextKey] = String(c.Text)
	return md
}

// MetadataTextKey is the metadata key text is duplicated under.
const MetadataTextKey = "text"

// reservedKeys are written by the stores themselves: the chunk id, its text
// copy and, on Turbopuffer, its vector.
var reservedKeys = map[string]struct{}{"id": {}, MetadataTextKey: {}, "vector": {}}

// IsReservedKey reports whether key may not be supplied as user metadata.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}
