// Package consumer implements the callback reconciliation service: the
// HTTP/SSE endpoint set that scheduler and worker processes call back into.
//
// It accepts scheduler-cycle callbacks idempotently and fence-ordered,
// ingests and deduplicates execution receipts, republishes them on a live
// stream, records consistency checks between client-observed and
// backend-observed receipt data, and exposes the aggregate counters.
package consumer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kasagent/kasagentd/internal/broadcast"
	"github.com/kasagent/kasagentd/internal/config"
	"github.com/kasagent/kasagentd/internal/store"
)

// Server provides the callback consumer HTTP endpoints.
type Server struct {
	echo        *echo.Echo
	idempotency store.IdempotencyStore
	fences      store.FenceStore
	receipts    store.ReceiptStore
	consistency store.ConsistencyLog
	broadcaster *broadcast.Broadcaster
	metrics     *Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	config      *config.Config
}

// Stores bundles the state the service runs on, injected so handlers stay
// independent of the backing implementation.
type Stores struct {
	Idempotency store.IdempotencyStore
	Fences      store.FenceStore
	Receipts    store.ReceiptStore
	Consistency store.ConsistencyLog
}

// NewServer creates the consumer service. The registry receives the
// service's counters and backs GET /metrics.
func NewServer(cfg *config.Config, stores Stores, b *broadcast.Broadcaster, registry *prometheus.Registry, logger *zap.Logger) (*Server, error) {
	if stores.Idempotency == nil || stores.Fences == nil || stores.Receipts == nil || stores.Consistency == nil {
		return nil, fmt.Errorf("all stores are required")
	}
	if b == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("metrics registry is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = config.Load()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:        e,
		idempotency: stores.Idempotency,
		fences:      stores.Fences,
		receipts:    stores.Receipts,
		consistency: stores.Consistency,
		broadcaster: b,
		metrics:     NewMetrics(registry),
		gatherer:    registry,
		logger:      logger.Named("consumer"),
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/v1")
	v1.POST("/scheduler/cycle", s.handleSchedulerCycle)
	v1.POST("/execution-receipts", s.handleIngestReceipt)
	v1.GET("/execution-receipts", s.handleGetReceipt)
	v1.GET("/execution-receipts/stream", s.handleReceiptStream)
	v1.POST("/receipt-consistency", s.handleConsistency)
	v1.GET("/telemetry-summary", s.handleTelemetrySummary)
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Echo returns the underlying Echo instance for registering extra routes
// and for driving the server in tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("starting consumer server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down consumer server")
	return s.echo.Shutdown(ctx)
}
