// Package http serves the retrieval engine over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/filter"
	"github.com/fyrsmithlabs/recalld/internal/keyword"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Engine is the retrieval surface the API exposes. *retrieval.Engine
// implements it.
type Engine interface {
	Query(ctx context.Context, req retrieval.QueryRequest) (*retrieval.Response, error)
	Upsert(ctx context.Context, p vectorstore.Partition, chunks []retrieval.ChunkInput) error
	Ingest(ctx context.Context, p vectorstore.Partition, doc retrieval.DocumentInput) ([]string, error)
	DeleteByIDs(ctx context.Context, p vectorstore.Partition, ids []string) error
	DeleteByFilter(ctx context.Context, p vectorstore.Partition, expr filter.Expr) error
	DeleteNamespace(ctx context.Context, p vectorstore.Partition) error
	Dimensions(ctx context.Context, p vectorstore.Partition) (int, error)
	KeywordSearch(ctx context.Context, req keyword.SearchRequest) (*keyword.SearchResponse, error)
	KeywordListIDs(ctx context.Context, req keyword.ListRequest) (*keyword.ListResponse, error)
	Status() retrieval.Status
}

var _ Engine = (*retrieval.Engine)(nil)

// Server provides HTTP endpoints for recalld.
type Server struct {
	echo    *echo.Echo
	engine  Engine
	logger  *logging.Logger
	config  *Config
	version string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RequestTimeout bounds each request's context. 0 disables it.
	RequestTimeout time.Duration

	// BodyLimit caps request bodies, e.g. "8M". Empty disables it.
	BodyLimit string

	// Version is reported by /health.
	Version string

	// Telemetry, when set, adds exporter health to /health. A degraded
	// exporter turns the status to "degraded" without failing the check.
	Telemetry func() telemetry.HealthStatus
}

// NewServer creates a new HTTP server.
func NewServer(engine Engine, logger *logging.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		engine:  engine,
		logger:  logger,
		config:  cfg,
		version: cfg.Version,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(s.requestContext)
	e.Use(s.requestLogger)
	e.Use(globalRequestMetrics(logger.Underlying()).middleware())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(cfg.RequestTimeout))
	}

	s.registerRoutes()
	return s, nil
}

// requestContext carries the request id and the addressed namespace into
// the request context so every log line of the request includes them.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		ctx = logging.WithPartition(ctx, c.Param("namespace"), c.QueryParam("tenant_id"))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
			err = nil
		}

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		}
		ctx := c.Request().Context()
		if c.Response().Status >= http.StatusInternalServerError {
			s.logger.Warn(ctx, "http request", fields...)
		} else {
			s.logger.Info(ctx, "http request", fields...)
		}
		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth, operation("health"))
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()), operation("metrics"))

	ns := s.echo.Group("/api/v1/namespaces/:namespace")
	ns.POST("/query", s.handleQuery, operation("query"))
	ns.POST("/chunks", s.handleUpsert, operation("upsert"))
	ns.POST("/chunks/delete", s.handleDeleteChunks, operation("delete_chunks"))
	ns.DELETE("", s.handleDeleteNamespace, operation("delete_namespace"))
	ns.GET("/dimensions", s.handleDimensions, operation("dimensions"))
	ns.POST("/keyword/search", s.handleKeywordSearch, operation("keyword_search"))
	ns.POST("/keyword/ids", s.handleKeywordIDs, operation("keyword_ids"))
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
