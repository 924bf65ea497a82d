package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"github.com/pscheid92/realtimeapi/internal/platform/retry"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const schemaVersionTable = "public.schema_version"

// schemaLockKey is "realtm" in ASCII.
const schemaLockKey int64 = 0x7265616c746d

const unlockTimeout = 5 * time.Second

// schemaLockPolicy bounds how long a replica waits for another one to finish migrating.
var schemaLockPolicy = retry.Policy{
	MaxAttempts:    120,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
}

var errSchemaLocked = errors.New("schema lock held by another session")

// SchemaChange is the version range one Migrate call moved the schema through.
type SchemaChange struct {
	From int32
	To   int32
}

func (c SchemaChange) Applied() bool { return c.To != c.From }

// Migrate applies the embedded migrations. Replicas starting together queue
// on a session advisory lock that is polled, so a cancelled ctx ends the wait.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (SchemaChange, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return SchemaChange{}, fmt.Errorf("acquire connection for migration: %w", err)
	}
	defer conn.Release()

	unlock, err := lockSchema(ctx, conn.Conn(), schemaLockPolicy)
	if err != nil {
		return SchemaChange{}, err
	}
	defer unlock()

	return migrateLocked(ctx, conn.Conn())
}

func lockSchema(ctx context.Context, conn *pgx.Conn, policy retry.Policy) (unlock func(), err error) {
	classify := func(err error) retry.Action {
		if errors.Is(err, errSchemaLocked) {
			return retry.Retry
		}
		return retry.Stop
	}
	policy.OnRetry = func(attempt int, _ error, backoff time.Duration) {
		slog.Debug("Waiting for schema lock", "attempt", attempt, "backoff", backoff)
	}

	err = retry.DoVoid(ctx, policy, classify, func(ctx context.Context) error {
		var locked bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", schemaLockKey).Scan(&locked); err != nil {
			return fmt.Errorf("try schema lock: %w", err)
		}
		if !locked {
			return errSchemaLocked
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock schema: %w", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", schemaLockKey); err != nil {
			slog.Error("Failed to release schema lock", "error", err)
		}
	}, nil
}

func migrateLocked(ctx context.Context, conn *pgx.Conn) (SchemaChange, error) {
	files, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return SchemaChange{}, fmt.Errorf("read migrations: %w", err)
	}

	m, err := migrate.NewMigrator(ctx, conn, schemaVersionTable)
	if err != nil {
		return SchemaChange{}, fmt.Errorf("create migrator: %w", err)
	}
	if err := m.LoadMigrations(files); err != nil {
		return SchemaChange{}, fmt.Errorf("load migrations: %w", err)
	}

	var change SchemaChange
	// A fresh database has no version table until the first Migrate.
	if change.From, err = m.GetCurrentVersion(ctx); err != nil {
		slog.Debug("No schema version yet", "error", err)
		change.From = 0
	}

	if err := m.Migrate(ctx); err != nil {
		return change, fmt.Errorf("migrate schema from version %d: %w", change.From, err)
	}
	if change.To, err = m.GetCurrentVersion(ctx); err != nil {
		return change, fmt.Errorf("read schema version: %w", err)
	}

	slog.Info("Schema up to date", "from", change.From, "to", change.To, "available", len(m.Migrations))
	return change, nil
}
