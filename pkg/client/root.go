package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/harun/txgate/pkg/wire"
)

// Transport carries one request to the server and returns its reply. Failures of the
// mechanism itself are transport or serialization faults.
type Transport interface {
	RoundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error)
	Close() error
}

// Invoker calls methods of one business interface. An informational fault comes
// back together with the result.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...interface{}) (interface{}, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, method string, args ...interface{}) (interface{}, error)

func (f InvokerFunc) Invoke(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	return f(ctx, method, args...)
}

// Root opens sessions against one application.
type Root struct {
	transport   Transport
	application string
}

// NewRoot creates a client root
func NewRoot(transport Transport, application string) *Root {
	return &Root{transport: transport, application: application}
}

// Application returns the application the root talks to.
func (r *Root) Application() string {
	return r.application
}

func (r *Root) call(ctx context.Context, req *wire.Request) (interface{}, error) {
	req.ID.Application = r.application
	resp, err := r.transport.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Result, resp.Err()
}

// Open logs in. priorID is the id of an earlier session to reuse on reconnect, or empty.
func (r *Root) Open(ctx context.Context, creds wire.OpenParams, priorID string) (*Remote, error) {
	result, err := r.call(ctx, &wire.Request{
		ID:      wire.ID{SessionID: priorID},
		Command: wire.CmdOpen,
		Params:  []interface{}{creds.User, creds.Password, creds.Host},
	})
	if err != nil {
		return nil, err
	}

	var desc wire.SessionDescriptor
	if err := wire.DecodeResult(result, &desc); err != nil {
		return nil, fmt.Errorf("failed to decode session descriptor: %w", err)
	}
	if desc.SessionID == "" {
		return nil, fmt.Errorf("server returned no session id")
	}
	return &Remote{root: r, desc: desc}, nil
}

// Remote is one open session.
type Remote struct {
	root   *Root
	desc   wire.SessionDescriptor
	closed atomic.Bool
}

// ID returns the session id.
func (s *Remote) ID() string {
	return s.desc.SessionID
}

// Descriptor returns what the server reported on OPEN.
func (s *Remote) Descriptor() wire.SessionDescriptor {
	return s.desc
}

func (s *Remote) call(ctx context.Context, req *wire.Request) (interface{}, error) {
	req.ID.SessionID = s.desc.SessionID
	return s.root.call(ctx, req)
}

// Ping keeps the session alive.
func (s *Remote) Ping(ctx context.Context) error {
	_, err := s.call(ctx, &wire.Request{Command: wire.CmdPing})
	return err
}

// Close ends the session. Only the first call reaches the server.
func (s *Remote) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, err := s.call(ctx, &wire.Request{Command: wire.CmdClose})
	return err
}

// Closed reports whether Close was called.
func (s *Remote) Closed() bool {
	return s.closed.Load()
}

// Simple returns a handle whose every call commits or rolls back on its own.
func (s *Remote) Simple(iface string) Invoker {
	return &handle{remote: s, iface: iface}
}

// Async returns a handle whose calls are queued on the server and return at once.
func (s *Remote) Async(iface string) Invoker {
	return &handle{remote: s, iface: iface, async: true}
}

// Begin opens an explicit transaction.
func (s *Remote) Begin(ctx context.Context) (*RemoteTransaction, error) {
	result, err := s.call(ctx, &wire.Request{Command: wire.CmdGetTransaction})
	if err != nil {
		return nil, err
	}
	id, ok := result.(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("server returned transaction id %v", result)
	}
	return &RemoteTransaction{remote: s, id: id}, nil
}

// Sessions lists every live session on the server.
func (s *Remote) Sessions(ctx context.Context) ([]wire.SessionInfo, error) {
	result, err := s.call(ctx, &wire.Request{Command: wire.CmdGetSessions})
	if err != nil {
		return nil, err
	}
	var infos []wire.SessionInfo
	if err := wire.DecodeResult(result, &infos); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return infos, nil
}

// Kill ends another session.
func (s *Remote) Kill(ctx context.Context, sessionID string) error {
	_, err := s.call(ctx, &wire.Request{Command: wire.CmdKillSession, Params: []interface{}{sessionID}})
	return err
}

// Current describes this session as the server sees it.
func (s *Remote) Current(ctx context.Context) (wire.SessionInfo, error) {
	var info wire.SessionInfo
	result, err := s.call(ctx, &wire.Request{Command: wire.CmdGetCurrentSession})
	if err != nil {
		return info, err
	}
	if err := wire.DecodeResult(result, &info); err != nil {
		return info, fmt.Errorf("failed to decode session info: %w", err)
	}
	return info, nil
}

// RemoteTransaction is an explicit transaction; calls on its handles share one
// server-side connection until Commit or Rollback.
type RemoteTransaction struct {
	remote *Remote
	id     string
}

// ID returns the transaction id.
func (t *RemoteTransaction) ID() string {
	return t.id
}

// Handle returns a handle bound to this transaction.
func (t *RemoteTransaction) Handle(iface string) Invoker {
	return &handle{remote: t.remote, iface: iface, txID: t.id}
}

func (t *RemoteTransaction) Commit(ctx context.Context) error {
	_, err := t.remote.call(ctx, &wire.Request{ID: wire.ID{TransactionID: t.id}, Command: wire.CmdCommit})
	return err
}

func (t *RemoteTransaction) Rollback(ctx context.Context) error {
	_, err := t.remote.call(ctx, &wire.Request{ID: wire.ID{TransactionID: t.id}, Command: wire.CmdRollback})
	return err
}

type handle struct {
	remote *Remote
	iface  string
	txID   string
	async  bool
}

func (h *handle) Invoke(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	req := &wire.Request{
		ID:        wire.ID{TransactionID: h.txID},
		Command:   wire.CmdInvoke,
		Interface: h.iface,
		Method:    method,
		Params:    args,
	}
	if h.async {
		req.Command = wire.CmdInvokeAsync
		req.RequestID = uuid.New().String()
	}
	return h.remote.call(ctx, req)
}

// Decode converts a call result into out.
func Decode(result interface{}, out interface{}) error {
	return wire.DecodeResult(result, out)
}
