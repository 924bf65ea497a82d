package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	apperrors "github.com/pscheid92/realtimeapi/internal/errors"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(requestLoggerMiddleware(s.cfg.WebSocketPath))
	s.echo.Use(middleware.Recover())
	if m := s.deps.HTTPMetrics; m != nil {
		s.echo.Use(m.Middleware(s.cfg.WebSocketPath))
		s.echo.Use(apperrors.Middleware(m.ErrorsTotal))
	} else {
		s.echo.Use(apperrors.Middleware(nil))
	}

	if s.deps.WebSocket != nil {
		ws := echo.WrapHandler(s.deps.WebSocket)
		s.echo.GET(s.cfg.WebSocketPath, ws)
		s.echo.GET(s.cfg.WebSocketPath+"/*", ws)
	}

	s.registerHealthRoutes()
	if s.deps.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Registry)))
	}
	s.registerInternalRoutes()
}
