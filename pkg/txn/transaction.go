package txn

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/harun/txgate/pkg/fault"
	"github.com/rs/zerolog"
)

// Simple runs every call as its own transaction on a fresh context.
type Simple struct {
	owner      Owner
	interfaces *Registry
	logger     *zerolog.Logger
}

// NewSimple creates a simple-transaction handle for owner.
func NewSimple(owner Owner, interfaces *Registry, logger *zerolog.Logger) *Simple {
	return &Simple{owner: owner, interfaces: interfaces, logger: logger}
}

// Invoke calls iface.method and commits or rolls back before returning.
func (s *Simple) Invoke(ctx context.Context, iface, method string, args ...interface{}) (interface{}, error) {
	return NewContext(s.owner, s.interfaces, s.logger).Invoke(ctx, iface, method, Args(args), true)
}

// Transaction is an explicit transaction: any number of calls on one connection,
// ended by Commit or Rollback.
type Transaction struct {
	id  string
	txc *Context
}

// Begin starts an explicit transaction with a fresh id. No connection is taken
// until the first call.
func Begin(owner Owner, interfaces *Registry, logger *zerolog.Logger) *Transaction {
	return &Transaction{
		id:  uuid.New().String(),
		txc: NewContext(owner, interfaces, logger),
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() string {
	return t.id
}

// Context returns the underlying transaction context.
func (t *Transaction) Context() *Context {
	return t.txc
}

// Owner returns the session the transaction belongs to.
func (t *Transaction) Owner() Owner {
	return t.txc.Owner()
}

func (t *Transaction) inactive() error {
	return fault.Protocol(fault.CodeTransactionInactive, "transaction %s is not active", t.id)
}

// Invoke calls iface.method inside the transaction without committing. A call
// racing Commit or Rollback either runs before it or fails as inactive.
func (t *Transaction) Invoke(ctx context.Context, iface, method string, args ...interface{}) (interface{}, error) {
	result, err := t.txc.Invoke(ctx, iface, method, Args(args), false)
	if errors.Is(err, ErrEnded) {
		return nil, t.inactive()
	}
	return result, err
}

// Commit commits and releases the connection. A second Commit or Rollback fails
// with a transaction-inactive protocol fault.
func (t *Transaction) Commit() error {
	return t.finish(true)
}

// Rollback rolls back and releases the connection.
func (t *Transaction) Rollback() error {
	return t.finish(false)
}

func (t *Transaction) finish(commit bool) error {
	ok, err := t.txc.End(commit)
	if !ok {
		return t.inactive()
	}
	return err
}

// Done reports whether the transaction was committed or rolled back.
func (t *Transaction) Done() bool {
	return t.txc.Ended()
}
