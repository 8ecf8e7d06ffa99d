// Package httpapi exposes the control plane over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/deploy"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/registry"
	"github.com/fyrsmithlabs/rolloutd/internal/retire"
	"github.com/fyrsmithlabs/rolloutd/internal/services"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"github.com/fyrsmithlabs/rolloutd/internal/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Server provides the HTTP endpoints for rolloutd.
type Server struct {
	echo     *echo.Echo
	services services.Registry
	metrics  http.Handler
	logger   *logging.Logger
	cfg      config.ServerConfig

	selections *selectionTable
}

// NewServer creates the HTTP server. metrics is the scrape handler
// mounted at /metrics; nil disables the route.
func NewServer(svcs services.Registry, metrics http.Handler, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if svcs == nil {
		return nil, fmt.Errorf("service registry cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		services:   svcs,
		metrics:    metrics,
		logger:     logger.Named("http"),
		cfg:        cfg,
		selections: newSelectionTable(5 * time.Minute),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger logs one line per request and threads the request id
// through the context so downstream log entries carry it.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()

		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), requestID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := s.echo.Group("/api/v1")

	v1.POST("/strategies", s.handleRegister)
	v1.GET("/strategies", s.handleListStrategies)
	v1.GET("/strategies/:id/:version", s.handleGetStrategy)
	v1.POST("/strategies/:id/:version/validate", s.handleValidate)
	v1.POST("/strategies/:id/:version/deploy", s.handleDeploy)
	v1.GET("/strategies/:id/:version/metrics", s.handleStrategyMetrics)
	v1.POST("/strategies/:id/:version/retire", s.handleRetire)
	v1.POST("/strategies/:id/rollback", s.handleRollback)
	v1.POST("/strategies/:id/samples", s.handleRecordSample)

	v1.GET("/deployments", s.handleListDeployments)
	v1.GET("/retirements", s.handleListRetirements)

	v1.POST("/migrations", s.handleStartMigration)
	v1.GET("/migrations", s.handleListMigrations)
	v1.GET("/migrations/:id", s.handleGetMigration)
	v1.POST("/migrations/:id/cancel", s.handleCancelMigration)

	v1.POST("/select", s.handleSelect)
	v1.POST("/selections/:id/complete", s.handleCompleteSelection)
	v1.GET("/selector", s.handleSelectorState)

	v1.POST("/gc/run", s.handleRunGC)
	v1.GET("/jobs", s.handleListJobs)
}

// httpError maps domain errors onto status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, retire.ErrMigrationNotFound),
		errors.Is(err, errSelectionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrDuplicateVersion),
		errors.Is(err, deploy.ErrConflictingTransition),
		errors.Is(err, deploy.ErrMixedPaths),
		errors.Is(err, retire.ErrAlreadyRetiring),
		errors.Is(err, retire.ErrMigrationExists),
		errors.Is(err, validator.ErrNotDraft):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, strategy.ErrInvalidID),
		errors.Is(err, strategy.ErrInvalidVersion),
		errors.Is(err, retire.ErrIncompatibleMigration):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, deploy.ErrInvalidStage),
		errors.Is(err, deploy.ErrNotDeployed),
		errors.Is(err, deploy.ErrTrafficBudget),
		errors.Is(err, deploy.ErrSmokeFailed),
		errors.Is(err, retire.ErrNotRetirable),
		errors.Is(err, strategy.ErrBadTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "rolloutd"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the router, used by tests to drive requests without a
// listener.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
