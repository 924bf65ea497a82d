// Package httpserver exposes the realtime endpoint and the operational
// routes (health, version, metrics, identity changes) over echo.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"golang.org/x/sync/singleflight"
)

// IdentityChanger closes the local connections of a user.
type IdentityChanger interface {
	OnIdentityChanged(ctx context.Context, userID string) int
}

// IdentityPublisher forwards an identity change to the other nodes.
type IdentityPublisher interface {
	Publish(ctx context.Context, userID string) error
}

type Config struct {
	Port             string
	WebSocketPath    string
	InternalAPIToken string
	Node             string

	// Requests per second and burst per client IP on /internal routes.
	InternalRate  float64
	InternalBurst int
}

type Deps struct {
	WebSocket    http.Handler
	Identity     IdentityChanger
	IdentityBus  IdentityPublisher // optional
	HealthChecks []HealthCheck
	Registry     *prometheus.Registry // optional; serves /metrics when set
	HTTPMetrics  *metrics.HTTPMetrics // optional
	Clock        clockwork.Clock
}

type Server struct {
	echo *echo.Echo
	cfg  Config
	deps Deps

	probes    singleflight.Group
	startTime time.Time
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws"
	}
	if cfg.InternalRate <= 0 {
		cfg.InternalRate, cfg.InternalBurst = defaultInternalRate, defaultInternalBurst
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		cfg:       cfg,
		deps:      deps,
		startTime: deps.Clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.cfg.Port)
	if err := s.echo.Start(":" + s.cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
