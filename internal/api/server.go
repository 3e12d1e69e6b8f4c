// Package api serves the operational HTTP surface over the monitoring
// orchestrator: liveness, Prometheus metrics, status, alerts, recovery,
// and data export.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novakit/opsmon/internal/logger"
	"github.com/novakit/opsmon/internal/monitor"
)

const shutdownTimeout = 5 * time.Second

// Server is the operational HTTP endpoint.
type Server struct {
	echo *echo.Echo
	orch *monitor.Orchestrator
	addr string
	log  logger.Logger
}

// NewServer builds the echo server and registers all routes. gatherer
// backs the /metrics endpoint.
func NewServer(orch *monitor.Orchestrator, gatherer prometheus.Gatherer, addr string, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, orch: orch, addr: addr, log: log}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.GET("/status", s.handleStatus)
	e.GET("/alerts", s.handleAlerts)
	e.POST("/alerts/:id/ack", s.handleAcknowledge)
	e.GET("/recovery", s.handleRecoveryHistory)
	e.POST("/recovery/:action", s.handleTriggerRecovery)
	e.GET("/observability", s.handleObservability)
	e.GET("/export", s.handleExport)
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("operational endpoint listening", logger.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests with a bounded deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(sctx)
}

// handleHealthz reports process liveness plus the latest overall status.
// It always returns 200 while the process serves; the body carries the
// component detail.
func (s *Server) handleHealthz(c echo.Context) error {
	overall := s.orch.GetOverallHealth()
	return c.JSON(http.StatusOK, map[string]any{
		"status":     overall.Status.String(),
		"checked_at": overall.CheckedAt,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.GetSystemStatus())
}

func (s *Server) handleAlerts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"active":     s.orch.GetActiveAlerts(),
		"statistics": s.orch.GetAlertingStatistics(),
	})
}

func (s *Server) handleAcknowledge(c echo.Context) error {
	actor := c.QueryParam("actor")
	if actor == "" {
		actor = "operator"
	}
	if err := s.orch.AcknowledgeAlert(c.Param("id"), actor); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRecoveryHistory(c echo.Context) error {
	hours := queryHours(c, 24)
	return c.JSON(http.StatusOK, s.orch.GetRecoveryHistory(c.Request().Context(), hours))
}

func (s *Server) handleTriggerRecovery(c echo.Context) error {
	rec := s.orch.TriggerManualRecovery(c.Request().Context(), c.Param("action"), c.QueryParam("component"))
	if !rec.Success {
		return c.JSON(http.StatusUnprocessableEntity, rec)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleObservability(c echo.Context) error {
	hours := queryHours(c, 1)
	data := s.orch.GetObservabilityData(c.QueryParam("correlation_id"), c.QueryParam("trace_id"), hours)
	return c.JSON(http.StatusOK, data)
}

func (s *Server) handleExport(c echo.Context) error {
	format := c.QueryParam("format")
	if format == "" {
		format = monitor.FormatJSON
	}
	hours := queryHours(c, 24)
	data, err := s.orch.ExportData(c.Request().Context(), format, hours)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	contentType := echo.MIMEApplicationJSON
	if format == monitor.FormatCSV {
		contentType = "text/csv"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func queryHours(c echo.Context, def int) int {
	raw := c.QueryParam("hours")
	if raw == "" {
		return def
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return def
	}
	return hours
}
