package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Pooled hands out a distinct pooled connection per allocation. It does not
// serialize callers; use it where each unit of work owns its manager, such as
// async jobs.
type Pooled struct {
	db *sql.DB

	mu     sync.Mutex
	active map[*Conn]struct{}
	closed bool
	seq    uint64
}

// NewPooled creates a pooled manager over db. Closing the manager does not close db.
func NewPooled(db *sql.DB) *Pooled {
	return &Pooled{
		db:     db,
		active: make(map[*Conn]struct{}),
	}
}

// Allocate takes a connection from the pool and begins a transaction on it.
func (p *Pooled) Allocate(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrManagerClosed
	}
	p.seq++
	id := p.seq
	p.mu.Unlock()

	raw, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	conn := &Conn{id: id, raw: raw}
	if err := conn.begin(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	p.mu.Lock()
	p.active[conn] = struct{}{}
	p.mu.Unlock()
	return conn, nil
}

// Release rolls back any open transaction and returns the connection to the pool.
func (p *Pooled) Release(conn *Conn) error {
	p.mu.Lock()
	_, ok := p.active[conn]
	delete(p.active, conn)
	p.mu.Unlock()
	if !ok {
		return ErrNotAllocated
	}

	err := conn.finish(false)
	if cerr := conn.raw.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to return connection: %w", cerr)
	}
	return err
}

// Commit commits the open transaction.
func (p *Pooled) Commit(conn *Conn) error {
	if !p.owns(conn) {
		return ErrNotAllocated
	}
	return conn.finish(true)
}

// Rollback rolls back the open transaction.
func (p *Pooled) Rollback(conn *Conn) error {
	if !p.owns(conn) {
		return ErrNotAllocated
	}
	return conn.finish(false)
}

func (p *Pooled) owns(conn *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[conn]
	return ok
}

// Close releases every outstanding connection.
func (p *Pooled) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.active))
	for c := range p.active {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := p.Release(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Active returns the number of outstanding connections.
func (p *Pooled) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
