// Package postgres stores widgets in PostgreSQL and manages the schema with tern.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
)

const applicationName = "realtimeapi"

// Connect opens a pool and verifies it with a ping. Query metrics are recorded when m is non-nil.
func Connect(ctx context.Context, databaseURL string, m *metrics.DatabaseMetrics) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(databaseURL, m)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn := poolCfg.ConnConfig
	slog.Info("Database connected", "host", conn.Host, "database", conn.Database, "tls", conn.TLSConfig != nil, "max_conns", poolCfg.MaxConns)
	return pool, nil
}

// poolConfig parses databaseURL and tags every session with the application
// name unless the URL sets one.
func poolConfig(databaseURL string, m *metrics.DatabaseMetrics) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	params := poolCfg.ConnConfig.RuntimeParams
	if params == nil {
		params = make(map[string]string)
		poolCfg.ConnConfig.RuntimeParams = params
	}
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = applicationName
	}

	if m != nil {
		poolCfg.ConnConfig.Tracer = NewMetricsTracer(m)
	}
	return poolCfg, nil
}
