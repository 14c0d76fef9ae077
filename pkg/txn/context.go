package txn

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/harun/txgate/internal/tracing"
	"github.com/harun/txgate/pkg/dbconn"
	"github.com/harun/txgate/pkg/fault"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "txgate.txn"

// ErrEnded is returned by a Context after End.
var ErrEnded = errors.New("transaction context ended")

// Owner is the session side of a transaction: where connections come from and who
// is calling. *session.Session satisfies it.
type Owner interface {
	ID() string
	Manager() dbconn.ConnectionManager
	User() interface{}
	Check(ctx context.Context, iface, method string) error
}

// Context owns the connection of one logical transaction. It is attached while it
// holds a connection and unattached otherwise. Calls on one Context are serialized.
type Context struct {
	owner      Owner
	interfaces *Registry
	logger     zerolog.Logger

	mu    sync.Mutex
	conn  *dbconn.Conn
	ended bool
}

// NewContext creates an unattached transaction context.
func NewContext(owner Owner, interfaces *Registry, logger *zerolog.Logger) *Context {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Context{
		owner:      owner,
		interfaces: interfaces,
		logger:     l.With().Str("component", "txn").Str("session_id", owner.ID()).Logger(),
	}
}

// Owner returns the session the context borrows connections from.
func (c *Context) Owner() Owner {
	return c.owner
}

// Attached reports whether the context currently holds a connection.
func (c *Context) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connection returns the context's connection, allocating one if unattached.
func (c *Context) Connection(ctx context.Context) (*dbconn.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection(ctx)
}

func (c *Context) connection(ctx context.Context) (*dbconn.Conn, error) {
	if c.ended {
		return nil, ErrEnded
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.owner.Manager().Allocate(ctx)
	if err != nil {
		return nil, fault.Resource("allocate connection", err)
	}
	c.conn = conn
	c.logger.Debug().Uint64("conn_id", conn.ID()).Msg("Connection attached")
	return conn, nil
}

// Invoke resolves iface and method, runs the pre-call check, constructs an
// implementation bound to the context's connection and calls it.
//
// With commitAfter set, the call is its own transaction: it commits on success or on
// an informational fault and rolls back otherwise, releasing the connection in every
// case. Without it, the connection stays attached until Commit or Rollback.
func (c *Context) Invoke(ctx context.Context, iface, method string, args Args, commitAfter bool) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "txn.invoke",
		attribute.String("iface", iface),
		attribute.String("method", method),
		attribute.Bool("commit_after", commitAfter),
	)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil, ErrEnded
	}

	ifc, m, err := c.interfaces.Lookup(iface, method)
	if err != nil {
		return nil, err
	}
	if err := CheckShape(iface, method, m, nil, len(args)); err != nil {
		return nil, err
	}
	if err := c.owner.Check(ctx, iface, method); err != nil {
		return nil, fault.Protocol(fault.CodeRejected, "%s.%s rejected: %v", iface, method, err)
	}

	conn, err := c.connection(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, callErr := c.call(ctx, ifc, m, conn, args)
	if callErr != nil {
		span.RecordError(callErr)
	}
	if !commitAfter {
		return result, callErr
	}

	if callErr == nil || fault.IsInformational(callErr) {
		if err := c.commit(); err != nil {
			// Nothing was committed, so an informational fault no longer applies.
			if callErr != nil {
				c.logger.Debug().Err(callErr).Msg("Informational fault dropped after failed commit")
			}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return result, callErr
	}

	span.SetStatus(codes.Error, callErr.Error())
	if err := c.rollback(); err != nil {
		return nil, merge(callErr, err)
	}
	return nil, callErr
}

func (c *Context) call(ctx context.Context, ifc *Interface, m *Method, conn *dbconn.Conn, args Args) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("iface", ifc.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Implementation panicked")
			result = nil
			err = fault.Business("%s panicked: %v", ifc.Name, r)
		}
	}()

	impl, err := ifc.New(Env{
		Conn:      conn,
		User:      c.owner.User(),
		SessionID: c.owner.ID(),
		Logger:    tracing.LoggerFromContext(ctx, c.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", ifc.Name, err)
	}
	return m.Call(ctx, impl, args)
}

// Commit commits and releases the connection. It is a no-op when unattached. A
// failed commit is followed by a rollback; the connection is released either way.
func (c *Context) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commit()
}

// Rollback rolls back and releases the connection. It is a no-op when unattached.
func (c *Context) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollback()
}

// End commits or rolls back, releases the connection and refuses every later call
// with ErrEnded. ok is false when the context had already ended.
func (c *Context) End(commit bool) (ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false, nil
	}
	c.ended = true
	if commit {
		return true, c.commit()
	}
	return true, c.rollback()
}

// Ended reports whether End has run.
func (c *Context) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Context) commit() error {
	if c.conn == nil {
		return nil
	}
	mgr := c.owner.Manager()
	var opErr error
	if err := mgr.Commit(c.conn); err != nil {
		opErr = fault.Resource("commit", err)
		if rbErr := mgr.Rollback(c.conn); rbErr != nil {
			opErr = merge(opErr, rbErr)
		}
	}
	return merge(opErr, c.release())
}

func (c *Context) rollback() error {
	if c.conn == nil {
		return nil
	}
	var opErr error
	if err := c.owner.Manager().Rollback(c.conn); err != nil {
		opErr = fault.Resource("rollback", err)
	}
	return merge(opErr, c.release())
}

// release hands the connection back. The context is unattached afterwards even if
// the manager reports an error.
func (c *Context) release() error {
	conn := c.conn
	c.conn = nil
	if err := c.owner.Manager().Release(conn); err != nil {
		c.logger.Warn().Uint64("conn_id", conn.ID()).Err(err).Msg("Failed to release connection")
		return fault.Resource("release connection", err)
	}
	c.logger.Debug().Uint64("conn_id", conn.ID()).Msg("Connection released")
	return nil
}

// merge keeps primary as the error callers see and attaches secondary to it. With no
// primary, secondary itself is returned.
func merge(primary, secondary error) error {
	if secondary == nil {
		return primary
	}
	if primary == nil {
		return secondary
	}
	return errors.WithDetail(errors.CombineErrors(primary, secondary), secondary.Error())
}
