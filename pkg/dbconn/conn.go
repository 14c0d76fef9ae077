// Package dbconn provides the connection managers sessions use to borrow a database connection.
//
// Invariants:
// - A Conn is handed to exactly one holder between Allocate and Release.
// - Every Conn carries one open SQL transaction until Commit, Rollback or Release ends it.
// - Release is safe after Commit or Rollback and rolls back any transaction still open.
//
// Usage:
//
//	mgr, _ := dbconn.NewSingle(ctx, db)
//	conn, _ := mgr.Allocate(ctx)
//	_, _ = conn.ExecContext(ctx, "UPDATE accounts SET balance = balance + 1")
//	_ = mgr.Commit(conn)
//	_ = mgr.Release(conn)
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrManagerClosed is returned when allocating from a closed manager.
	ErrManagerClosed = errors.New("connection manager closed")
	// ErrNotAllocated is returned when a Conn is used after it was released.
	ErrNotAllocated = errors.New("connection not allocated")
)

// ConnectionManager allocates and releases physical connections and ends their transactions.
type ConnectionManager interface {
	Allocate(ctx context.Context) (*Conn, error)
	Release(conn *Conn) error
	Commit(conn *Conn) error
	Rollback(conn *Conn) error
	Close() error
}

// Conn is a borrowed connection with its current transaction.
type Conn struct {
	id  uint64
	raw *sql.Conn

	mu sync.Mutex
	tx *sql.Tx
}

// ID returns the allocation sequence number, unique per manager.
func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) current() (*sql.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil, ErrNotAllocated
	}
	return c.tx, nil
}

// ExecContext runs a statement inside the connection's transaction.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	tx, err := c.current()
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the connection's transaction.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	tx, err := c.current()
	if err != nil {
		return nil, err
	}
	return tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the connection's transaction.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	tx, err := c.current()
	if err != nil {
		return nil, err
	}
	return tx.QueryRowContext(ctx, query, args...), nil
}

func (c *Conn) begin(ctx context.Context) error {
	tx, err := c.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()
	return nil
}

// finish commits or rolls back the open transaction, if any, and leaves the
// connection without one.
func (c *Conn) finish(commit bool) error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx == nil {
		return nil
	}
	if commit {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		return nil
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

// InTransaction reports whether the connection still has an open transaction.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}
