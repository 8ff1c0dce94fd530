// Package pgstore is the internal relational backend: a pgx-backed
// store that persists each model as a (main, lists, changes) table triple,
// with a short-id registry working around PostgreSQL's 63-byte identifier
// limit, scoped read/write transactions, and optimistic-concurrency CRUD.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool,
// adding the table registry and per-model schema management the backend needs.
type Store struct {
	pool     *pgxpool.Pool
	registry *TableRegistry
}

// Open creates a connection pool against connString, pings it, and ensures
// the internal registry/transaction tables exist.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: failed to ping database: %w", err)
	}

	s := &Store{pool: pool, registry: newTableRegistry(pool)}
	if err := s.registry.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureTransactionTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying connection pool for advanced callers (push
// state bootstrap, migrations).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) ensureTransactionTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _transaction (
			id BIGSERIAL PRIMARY KEY,
			started TIMESTAMPTZ NOT NULL DEFAULT now(),
			errors JSONB
		)`)
	if err != nil {
		return fmt.Errorf("pgstore: failed to create transaction table: %w", err)
	}
	return nil
}

// EnsureModelSchema creates the (main, lists, changes) table triple for
// model if they don't already exist, allocating its short table id from
// the registry on first use.
func (s *Store) EnsureModelSchema(ctx context.Context, modelName string, hasLists bool) (*ModelTables, error) {
	tables, err := s.registry.tablesFor(ctx, modelName)
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			_id TEXT PRIMARY KEY,
			_revision TEXT NOT NULL,
			_transaction BIGINT NOT NULL REFERENCES _transaction(id),
			_created TIMESTAMPTZ NOT NULL,
			_updated TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, tables.Main)); err != nil {
		return nil, fmt.Errorf("pgstore: failed to create main table for %s: %w", modelName, err)
	}

	if hasLists {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q (
				_transaction BIGINT NOT NULL,
				_id TEXT NOT NULL,
				_key TEXT NOT NULL,
				data JSONB NOT NULL
			)`, tables.Lists)); err != nil {
			return nil, fmt.Errorf("pgstore: failed to create lists table for %s: %w", modelName, err)
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %q (_id)`,
			quoteIdentFragment(tables.Lists+"_id_idx"), tables.Lists)); err != nil {
			return nil, fmt.Errorf("pgstore: failed to index lists table for %s: %w", modelName, err)
		}
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			_change BIGSERIAL PRIMARY KEY,
			_revision TEXT NOT NULL,
			_transaction BIGINT NOT NULL,
			_id TEXT NOT NULL,
			_datetime TIMESTAMPTZ NOT NULL,
			_action TEXT NOT NULL,
			data JSONB NOT NULL
		)`, tables.Changes)); err != nil {
		return nil, fmt.Errorf("pgstore: failed to create changes table for %s: %w", modelName, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %q (_id)`,
		quoteIdentFragment(tables.Changes+"_id_idx"), tables.Changes)); err != nil {
		return nil, fmt.Errorf("pgstore: failed to index changes table for %s: %w", modelName, err)
	}

	return tables, nil
}

// quoteIdentFragment wraps an index name derived from an already-safe
// table name in double quotes; name itself is not escaped.
func quoteIdentFragment(name string) string {
	return `"` + name + `"`
}
