package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Single owns one physical connection. A second Allocate blocks until the
// holder releases it, so calls against the same session serialize.
type Single struct {
	mu     sync.Mutex
	cond   *sync.Cond
	conn   *Conn
	busy   bool
	closed bool
	seq    uint64
}

// NewSingle takes one connection out of db's pool for the lifetime of the manager.
func NewSingle(ctx context.Context, db *sql.DB) (*Single, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	raw, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	s := &Single{conn: &Conn{raw: raw}}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Allocate waits until the connection is free, then begins a transaction on it.
// Cancelling ctx aborts the wait.
func (s *Single) Allocate(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	for s.busy && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.busy = true
	s.seq++
	s.conn.id = s.seq
	s.mu.Unlock()

	if err := s.conn.begin(ctx); err != nil {
		s.free()
		return nil, err
	}
	return s.conn, nil
}

// Release rolls back any open transaction and wakes one waiter.
func (s *Single) Release(conn *Conn) error {
	if conn != s.conn {
		return ErrNotAllocated
	}
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if !busy {
		return ErrNotAllocated
	}

	err := conn.finish(false)
	s.free()
	return err
}

func (s *Single) free() {
	s.mu.Lock()
	s.busy = false
	s.cond.Signal()
	s.mu.Unlock()
}

// Commit commits the open transaction.
func (s *Single) Commit(conn *Conn) error {
	if conn != s.conn {
		return ErrNotAllocated
	}
	return conn.finish(true)
}

// Rollback rolls back the open transaction.
func (s *Single) Rollback(conn *Conn) error {
	if conn != s.conn {
		return ErrNotAllocated
	}
	return conn.finish(false)
}

// Close returns the physical connection to the pool. Waiters fail with ErrManagerClosed.
func (s *Single) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if err := s.conn.finish(false); err != nil {
		log.Warn().Err(err).Msg("Rollback on close failed")
	}
	if err := s.conn.raw.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
