package http

import (
	"encoding/json"

	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version,omitempty"`
	Engine  retrieval.Status `json:"engine"`

	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// QueryRequest is the request body for POST .../query.
type QueryRequest struct {
	TenantID string `json:"tenantId,omitempty"`
	Query    string `json:"query"`
	TopK     int    `json:"topK"`

	// Filter is a filter DSL document.
	Filter json.RawMessage `json:"filter,omitempty"`

	MinScore        *float32                 `json:"minScore,omitempty"`
	IncludeMetadata bool                     `json:"includeMetadata,omitempty"`
	Rerank          *retrieval.RerankOptions `json:"rerank,omitempty"`
}

// UpsertRequest is the request body for POST .../chunks. Chunks are
// stored as given; documents are split into chunks first.
type UpsertRequest struct {
	TenantID  string                    `json:"tenantId,omitempty"`
	Chunks    []retrieval.ChunkInput    `json:"chunks,omitempty"`
	Documents []retrieval.DocumentInput `json:"documents,omitempty"`
}

// UpsertResponse lists the ids written.
type UpsertResponse struct {
	IDs []string `json:"ids"`
}

// DeleteChunksRequest is the request body for POST .../chunks/delete.
// Exactly one of IDs and Filter must be set.
type DeleteChunksRequest struct {
	TenantID string          `json:"tenantId,omitempty"`
	IDs      []string        `json:"ids,omitempty"`
	Filter   json.RawMessage `json:"filter,omitempty"`
}

// DimensionsResponse is the response body for GET .../dimensions.
type DimensionsResponse struct {
	Dimensions int `json:"dimensions"`
}

// KeywordSearchRequest is the request body for POST .../keyword/search.
type KeywordSearchRequest struct {
	TenantID    string   `json:"tenantId,omitempty"`
	Query       string   `json:"query"`
	DocumentIDs []string `json:"documentIds,omitempty"`

	// Filter is a raw RediSearch clause.
	Filter string `json:"filter,omitempty"`

	Page     int      `json:"page,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	MinScore *float32 `json:"minScore,omitempty"`
}

// KeywordIDsRequest is the request body for POST .../keyword/ids.
type KeywordIDsRequest struct {
	TenantID    string   `json:"tenantId,omitempty"`
	DocumentIDs []string `json:"documentIds,omitempty"`
	Filter      string   `json:"filter,omitempty"`
	Page        int      `json:"page,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
