package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/orchestrator"
	"github.com/fyrsmithlabs/flowstate/internal/router"
	"github.com/fyrsmithlabs/flowstate/internal/session"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service is the orchestrator surface the API exposes.
type Service interface {
	HandleMessage(ctx context.Context, msg orchestrator.Message) (*orchestrator.Directive, error)
	Reset(ctx context.Context, sessionID string) (*orchestrator.Directive, error)
	Inspect(ctx context.Context, sessionID string) (*orchestrator.Snapshot, error)
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// Server provides HTTP endpoints for flowstated.
type Server struct {
	echo    *echo.Echo
	svc     Service
	logger  *zap.Logger
	config  *Config
	checks  map[string]HealthCheck
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithMetrics records OTEL request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	s := &Server{
		echo:   e,
		svc:    svc,
		logger: logger,
		config: cfg,
		checks: map[string]HealthCheck{},
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions/:id/messages", s.handleMessage)
	v1.GET("/sessions/:id", s.handleInspect)
	v1.POST("/sessions/:id/reset", s.handleReset)
}

// handleHealth runs every registered check.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok", Services: map[string]string{}}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			resp.Status = "degraded"
			resp.Services[name] = err.Error()
			continue
		}
		resp.Services[name] = "ok"
	}

	if resp.Status != "ok" {
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleMessage runs one message through the orchestrator.
func (s *Server) handleMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid message request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	catalog := router.Catalog(req.Catalog)
	if err := catalog.Validate(); err != nil {
		return s.fail(c, fmt.Errorf("%w: %w", orchestrator.ErrInvalidMessage, err))
	}

	dir, err := s.svc.HandleMessage(c.Request().Context(), orchestrator.Message{
		SessionID:   c.Param("id"),
		ID:          req.ID,
		Text:        req.Text,
		Attachments: req.Attachments,
		Catalog:     catalog,
	})
	return s.respond(c, dir, err)
}

// handleReset starts a new generation for the session.
func (s *Server) handleReset(c echo.Context) error {
	dir, err := s.svc.Reset(c.Request().Context(), c.Param("id"))
	return s.respond(c, dir, err)
}

// handleInspect returns the session snapshot.
func (s *Server) handleInspect(c echo.Context) error {
	snap, err := s.svc.Inspect(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// respond writes a directive. Failures that still produced a directive, such
// as a failed stage or an unavailable router, are answered with 200 so the
// client can show the text.
func (s *Server) respond(c echo.Context, dir *orchestrator.Directive, err error) error {
	if dir == nil {
		if err == nil {
			err = errors.New("no directive produced")
		}
		return s.fail(c, err)
	}

	resp := MessageResponse{Directive: dir}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) fail(c echo.Context, err error) error {
	status, retryable := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
		msg = "internal error"
	}
	return c.JSON(status, ErrorResponse{Error: msg, Retryable: retryable})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID), errors.Is(err, orchestrator.ErrInvalidMessage):
		return http.StatusBadRequest, false
	case errors.Is(err, session.ErrConflictDetected):
		return http.StatusConflict, true
	case errors.Is(err, session.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, workflow.ErrCorruptState):
		return http.StatusInternalServerError, false
	}
	return http.StatusInternalServerError, false
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
