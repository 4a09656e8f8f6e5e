package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/filter"
	"github.com/fyrsmithlabs/recalld/internal/keyword"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

func partition(c echo.Context, tenantID string) vectorstore.Partition {
	if tenantID == "" {
		tenantID = c.QueryParam("tenant_id")
	}
	return vectorstore.Partition{NamespaceID: c.Param("namespace"), TenantID: tenantID}
}

// parseFilter decodes an optional filter document. Absent and null mean no
// filter.
func parseFilter(raw json.RawMessage) (filter.Expr, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	return filter.ParseJSON(raw)
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return fmt.Errorf("%w: invalid request body", retrieval.ErrInvalidRequest)
	}
	return nil
}

// handleHealth reports liveness and the engine's configuration.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Engine:  s.engine.Status(),
	}
	if s.config.Telemetry != nil {
		h := s.config.Telemetry()
		if h.Degraded {
			resp.Status = "degraded"
		}
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	expr, err := parseFilter(req.Filter)
	if err != nil {
		return err
	}

	resp, err := s.engine.Query(c.Request().Context(), retrieval.QueryRequest{
		Partition:       partition(c, req.TenantID),
		Query:           req.Query,
		TopK:            req.TopK,
		Filter:          expr,
		MinScore:        req.MinScore,
		IncludeMetadata: req.IncludeMetadata,
		Rerank:          req.Rerank,
	})
	if err != nil {
		return err
	}
	s.logger.Debug(c.Request().Context(), "query served",
		logging.Excerpt("query", req.Query),
		zap.Int("results", len(resp.Results)),
		zap.Bool("reranked", resp.Reranked),
	)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUpsert(c echo.Context) error {
	var req UpsertRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Chunks) == 0 && len(req.Documents) == 0 {
		return fmt.Errorf("%w: chunks or documents required", retrieval.ErrInvalidRequest)
	}
	ctx := c.Request().Context()
	p := partition(c, req.TenantID)

	ids := make([]string, 0, len(req.Chunks))
	if len(req.Chunks) > 0 {
		if err := s.engine.Upsert(ctx, p, req.Chunks); err != nil {
			return err
		}
		for _, ch := range req.Chunks {
			ids = append(ids, ch.ID)
		}
	}
	for _, doc := range req.Documents {
		written, err := s.engine.Ingest(ctx, p, doc)
		if err != nil {
			return err
		}
		ids = append(ids, written...)
	}

	s.logger.Debug(ctx, "chunks written", zap.Int("chunks", len(ids)))
	return c.JSON(http.StatusOK, UpsertResponse{IDs: ids})
}

func (s *Server) handleDeleteChunks(c echo.Context) error {
	var req DeleteChunksRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	expr, err := parseFilter(req.Filter)
	if err != nil {
		return err
	}
	if (len(req.IDs) == 0) == (expr == nil) {
		return fmt.Errorf("%w: exactly one of ids and filter required", retrieval.ErrInvalidRequest)
	}

	ctx := c.Request().Context()
	p := partition(c, req.TenantID)
	if expr != nil {
		err = s.engine.DeleteByFilter(ctx, p, expr)
	} else {
		err = s.engine.DeleteByIDs(ctx, p, req.IDs)
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteNamespace(c echo.Context) error {
	if err := s.engine.DeleteNamespace(c.Request().Context(), partition(c, "")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDimensions(c echo.Context) error {
	dim, err := s.engine.Dimensions(c.Request().Context(), partition(c, ""))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DimensionsResponse{Dimensions: dim})
}

func (s *Server) handleKeywordSearch(c echo.Context) error {
	var req KeywordSearchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	resp, err := s.engine.KeywordSearch(c.Request().Context(), keyword.SearchRequest{
		Partition:   partition(c, req.TenantID),
		Query:       req.Query,
		DocumentIDs: req.DocumentIDs,
		Filter:      req.Filter,
		Page:        req.Page,
		Limit:       req.Limit,
		MinScore:    req.MinScore,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleKeywordIDs(c echo.Context) error {
	var req KeywordIDsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	resp, err := s.engine.KeywordListIDs(c.Request().Context(), keyword.ListRequest{
		Partition:   partition(c, req.TenantID),
		DocumentIDs: req.DocumentIDs,
		Filter:      req.Filter,
		Page:        req.Page,
		Limit:       req.Limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
