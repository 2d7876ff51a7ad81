// Package store implements the persistent identifier store (spec §4.3) and
// work queue (spec §4.5) backing the reconciliation engine: seven tables in
// one SQLite database, accessed through one *sql.DB shared across the
// worker pool's connection pool (SPEC_FULL.md §4.3).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure Go SQLite driver, registers as "sqlite"

	"github.com/retcon-sync/retcon/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the identifier store and work queue, backed by one SQLite
// database in WAL mode (SPEC_FULL.md §4.3).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the SQLite database at dsn, applies pending migrations, and
// returns a ready-to-use Store. poolSize sizes the connection pool to
// workers+1 per spec §5. Use ":memory:" for tests (poolSize 1, since an
// in-memory database is only visible to the connection that created it).
func Open(ctx context.Context, dsn string, poolSize int, logger *slog.Logger) (*Store, error) {
	dbDSN := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dsn,
	)

	if dsn == ":memory:" {
		dbDSN = "file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(ON)"
		poolSize = 1
	}

	db, err := sql.Open("sqlite", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store %s: %w", model.ErrStoreUnavailable, dsn, err)
	}

	db.SetMaxOpenConns(poolSize)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// runMigrations applies all pending schema migrations using goose's
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("%w: creating migration provider: %w", model.ErrStoreUnavailable, err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("%w: running migrations: %w", model.ErrStoreUnavailable, err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a single transaction, committing on success and
// rolling back on any error (spec §4.3: "all multi-row mutations are
// atomic").
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", model.ErrStoreUnavailable, err)
	}

	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %w", model.ErrStoreUnavailable, err)
	}

	return nil
}
