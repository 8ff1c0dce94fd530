package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReadTransaction is a scoped, non-writing connection acquisition: it
// exclusively owns its pool connection for the request's lifetime, so a
// read-only request never contends with a write transaction's connection.
type ReadTransaction struct {
	conn *pgx.Conn
	tx   pgx.Tx
	rel  func()
}

// WriteTransaction additionally owns a row in the `_transaction` table,
// whose id every row this scope writes references.
type WriteTransaction struct {
	ReadTransaction
	ID int64
}

// BeginRead acquires a connection and starts a read-only transaction.
func (s *Store) BeginRead(ctx context.Context) (*ReadTransaction, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgstore: failed to begin read transaction: %w", err)
	}
	return &ReadTransaction{conn: conn.Conn(), tx: tx, rel: conn.Release}, nil
}

// Commit commits the scoped transaction and releases the connection.
func (t *ReadTransaction) Commit(ctx context.Context) error {
	defer t.rel()
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: failed to commit: %w", err)
	}
	return nil
}

// Rollback aborts the scoped transaction and releases the connection.
func (t *ReadTransaction) Rollback(ctx context.Context) error {
	defer t.rel()
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("pgstore: failed to rollback: %w", err)
	}
	return nil
}

// Tx exposes the underlying pgx.Tx for CRUD operations to run against.
func (t *ReadTransaction) Tx() pgx.Tx { return t.tx }

// BeginWrite acquires a connection, inserts a row into `_transaction`, and
// starts a read-write transaction scoped to it. All operations performed
// through the returned WriteTransaction implicitly commit when the caller
// calls Commit, and roll back (including the `_transaction` row) on
// Rollback, so a failed request never leaves an orphaned transaction id.
func (s *Store) BeginWrite(ctx context.Context) (*WriteTransaction, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgstore: failed to begin write transaction: %w", err)
	}

	var id int64
	if err := tx.QueryRow(ctx, `INSERT INTO _transaction (started) VALUES ($1) RETURNING id`, time.Now().UTC()).Scan(&id); err != nil {
		tx.Rollback(ctx)
		conn.Release()
		return nil, fmt.Errorf("pgstore: failed to open transaction record: %w", err)
	}

	return &WriteTransaction{
		ReadTransaction: ReadTransaction{conn: conn.Conn(), tx: tx, rel: conn.Release},
		ID:              id,
	}, nil
}
