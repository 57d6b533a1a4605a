// Package adminapi is the read-only run-status/health HTTP surface,
// grounded on the teacher's cmd/orchestrator routes/handlers pattern
// but pared down to introspection only: no workflow CRUD, no patching,
// nothing that mutates a run. A host program mounts it alongside (or
// instead of) the CLI's own stdout logging when it wants a run's
// progress queryable over HTTP while it's in flight.
package adminapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/audit"
)

// Server wraps an echo.Echo exposing health and run-status endpoints
// over a audit.Query.
type Server struct {
	echo  *echo.Echo
	query audit.Query
	log   *logger.Logger
}

// New builds a Server. query is typically the same audit.Recorder a run
// is writing through — MemoryRecorder and PostgresRecorder both
// implement audit.Query.
func New(query audit.Query, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, query: query, log: log}
	s.registerRoutes()
	return s
}

// Start runs the admin HTTP server on addr until Shutdown is called or
// it fails. Blocks like echo.Echo.Start.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/api/v1")
	g.GET("/healthz", s.handleHealth)
	g.GET("/runs/:id", s.handleGetRun)
	g.GET("/runs/:id/outcomes", s.handleRunOutcomes)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetRun(c echo.Context) error {
	runID := c.Param("id")
	run, err := s.query.GetRun(c.Request().Context(), runID)
	if err != nil {
		s.log.Error("admin api: get run failed", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}
	if run == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleRunOutcomes(c echo.Context) error {
	runID := c.Param("id")
	counts, err := s.query.CountOutcomes(c.Request().Context(), runID)
	if err != nil {
		s.log.Error("admin api: count outcomes failed", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load outcomes")
	}
	return c.JSON(http.StatusOK, counts)
}
