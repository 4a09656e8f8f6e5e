package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/filter"
	"github.com/fyrsmithlabs/recalld/internal/keyword"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

var badRequest = []error{
	filter.ErrUnsupportedOperator,
	filter.ErrMalformed,
	retrieval.ErrInvalidRequest,
	vectorstore.ErrInvalidPartition,
	vectorstore.ErrInvalidTopK,
	vectorstore.ErrUnsupportedMode,
	vectorstore.ErrEmptyChunks,
	vectorstore.ErrInvalidConfig,
	keyword.ErrInvalidRequest,
	embeddings.ErrEmptyInput,
	chunk.ErrInvalidID,
}

// statusFor maps an engine error to a status code. Anything unrecognized is
// an internal error.
func statusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	for _, target := range badRequest {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	switch {
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return http.StatusConflict
	case errors.Is(err, retrieval.ErrKeywordDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// handleError is the echo error handler. Client errors echo their message;
// server errors are logged and replaced with a generic one.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		msg = "internal server error"
	}

	resp := ErrorResponse{
		Error:     msg,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, resp)
	}
	if werr != nil {
		s.logger.Warn(c.Request().Context(), "writing error response", zap.Error(werr))
	}
}
