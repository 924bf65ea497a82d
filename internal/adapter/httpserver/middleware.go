package httpserver

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/realtimeapi/internal/platform/correlation"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.Header))
		c.Response().Header().Set(correlation.Header, id)
		c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), id)))
		return next(c)
	}
}

// requestLoggerMiddleware logs finished requests. Websocket upgrades and
// probes are logged at debug level; the hub logs connection lifecycles.
func requestLoggerMiddleware(wsPath string) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}

			ctx := c.Request().Context()
			path := c.Path()
			if strings.HasPrefix(path, wsPath) || strings.HasPrefix(path, "/health/") {
				slog.DebugContext(ctx, "Request", attrs...)
				return nil
			}
			slog.InfoContext(ctx, "Request", attrs...)
			return nil
		},
	})
}
