package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/realtimeapi/internal/adapter/auth"
	"github.com/pscheid92/realtimeapi/internal/adapter/httpserver"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/adapter/postgres"
	"github.com/pscheid92/realtimeapi/internal/adapter/redis"
	"github.com/pscheid92/realtimeapi/internal/adapter/websocket"
	"github.com/pscheid92/realtimeapi/internal/app"
	"github.com/pscheid92/realtimeapi/internal/platform/config"
	"github.com/pscheid92/realtimeapi/internal/platform/logging"
	"github.com/pscheid92/realtimeapi/internal/platform/version"
	"github.com/pscheid92/realtimeapi/internal/widgets"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	wsPath          = "/ws"
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.DatabaseMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	change, err := postgres.Migrate(ctx, pool)
	if err != nil {
		slog.Error("Failed to migrate schema", "error", err)
		os.Exit(1)
	}
	if change.Applied() {
		slog.Info("Applied schema migrations", "from", change.From, "to", change.To)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *goredis.Client {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, metrics.NewRedisMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupAuth chains the configured authenticators. Requests without
// credentials connect anonymously.
func setupAuth(cfg *config.Config, clock clockwork.Clock) auth.Authenticator {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(cfg.JWTSecret, clock)
		if err != nil {
			slog.Error("Failed to create JWT authenticator", "error", err)
			os.Exit(1)
		}
		chain = append(chain, jwtAuth)
	}
	if cfg.SessionSecret != "" {
		chain = append(chain, auth.NewSessionAuthenticator(cfg.SessionSecret, cfg.IsProduction()))
	}
	if len(chain) == 0 {
		slog.Warn("No authentication configured, all connections are anonymous")
	}
	return append(chain, auth.Anonymous)
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	node := uuid.NewString()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "node", node, "version", version.Get(node).String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	realtimeMetrics := metrics.NewRealtimeMetrics(reg)

	var healthChecks []httpserver.HealthCheck

	var repo widgets.Repository = widgets.NewMemoryRepository(clock)
	if cfg.DatabaseURL != "" {
		dbMetrics := metrics.NewDatabaseMetrics(reg)
		pool := setupDB(ctx, cfg, dbMetrics)
		defer pool.Close()
		repo = postgres.WithCircuitBreaker(postgres.NewWidgetRepo(pool), dbMetrics)
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	} else {
		slog.Warn("DATABASE_URL not set, widgets are kept in memory")
	}

	hub, err := app.NewHub(app.Options{
		QueueSize:      cfg.SendQueueSize,
		Workers:        cfg.DeliveryWorkers,
		Shards:         cfg.RegistryShards,
		MaxConnections: cfg.MaxWebSocketConnections,
		WriteTimeout:   cfg.WriteTimeout,
		ChangeWindow:   cfg.HandshakeTimeout,
		Clock:          clock,
		Metrics:        realtimeMetrics,
	}, widgets.NewStream(repo))
	if err != nil {
		slog.Error("Failed to create hub", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Keep the publisher a nil interface when redis is off.
	var identityBus httpserver.IdentityPublisher
	if cfg.RedisURL != "" {
		rdb := setupRedis(ctx, cfg, reg)
		defer func() { _ = rdb.Close() }()

		relay := redis.NewRelay(rdb, node, realtimeMetrics)
		hub.SetRelay(relay)
		bus := redis.NewIdentityBus(rdb, node)
		identityBus = bus

		g.Go(func() error { return relay.Run(gctx, hub) })
		g.Go(func() error { return bus.Run(gctx, hub) })
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		slog.Warn("REDIS_URL not set, broadcasts stay on this node")
	}

	wsHandler := websocket.NewHandler(hub, setupAuth(cfg, clock), websocket.Config{
		Prefix:           wsPath,
		CheckOrigin:      websocket.NewCheckOrigin(cfg.AppURL, nil, !cfg.IsProduction()),
		HandshakeTimeout: cfg.HandshakeTimeout,
		Keepalive: websocket.Keepalive{
			PingInterval: cfg.PingInterval,
			PongTimeout:  cfg.PongTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		MessageRate:         rate.Limit(cfg.MessageRate),
		MessageBurst:        cfg.MessageBurst,
		Clock:               clock,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		ConnectRate:         rate.Limit(cfg.ConnectRate),
		ConnectBurst:        cfg.ConnectBurst,
	})

	srv := httpserver.NewServer(httpserver.Config{
		Port:             cfg.Port,
		WebSocketPath:    wsPath,
		InternalAPIToken: cfg.InternalAPIToken,
		Node:             node,
	}, httpserver.Deps{
		WebSocket:    wsHandler,
		Identity:     hub,
		IdentityBus:  identityBus,
		HealthChecks: healthChecks,
		Registry:     reg,
		HTTPMetrics:  metrics.NewHTTPMetrics(reg),
		Clock:        clock,
	})

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		hub.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
