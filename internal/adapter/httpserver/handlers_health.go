package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/realtimeapi/internal/platform/version"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type probeResult struct {
	status int
	body   map[string]any
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": s.deps.Clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness runs the health checks. Concurrent probes share one run.
func (s *Server) handleReadiness(c echo.Context) error {
	v, _, _ := s.probes.Do("ready", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), readinessProbeTimeout)
		defer cancel()
		return s.runHealthChecks(ctx), nil
	})

	result := v.(probeResult)
	if err := c.JSON(result.status, result.body); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) runHealthChecks(ctx context.Context) probeResult {
	for _, hc := range s.deps.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			return probeResult{
				status: http.StatusServiceUnavailable,
				body: map[string]any{
					"status":       "unhealthy",
					"failed_check": hc.Name,
					"error":        err.Error(),
				},
			}
		}
	}
	return probeResult{status: http.StatusOK, body: map[string]any{"status": "ready"}}
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get(s.cfg.Node)); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
