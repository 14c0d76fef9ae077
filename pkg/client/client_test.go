package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/harun/txgate/pkg/commandqueue"
	"github.com/harun/txgate/pkg/dbconn"
	"github.com/harun/txgate/pkg/dispatch"
	"github.com/harun/txgate/pkg/fault"
	"github.com/harun/txgate/pkg/session"
	"github.com/harun/txgate/pkg/transport"
	"github.com/harun/txgate/pkg/txn"
	"github.com/harun/txgate/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted answers every request with fn and counts requests per command.
type scripted struct {
	mu    sync.Mutex
	calls map[wire.Command]int
	fn    func(req *wire.Request) (*wire.Response, error)
}

func newScripted(fn func(req *wire.Request) (*wire.Response, error)) *scripted {
	return &scripted{calls: make(map[wire.Command]int), fn: fn}
}

func (s *scripted) RoundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	s.mu.Lock()
	s.calls[req.Command]++
	s.mu.Unlock()
	return s.fn(req)
}

func (s *scripted) Close() error { return nil }

func (s *scripted) count(cmd wire.Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[cmd]
}

// okServer opens numbered sessions and answers INVOKE by method name.
func okServer() *scripted {
	var n atomic.Int64
	return newScripted(func(req *wire.Request) (*wire.Response, error) {
		switch req.Command {
		case wire.CmdOpen:
			id := "S" + string(rune('0'+n.Add(1)))
			return wire.OK(wire.SessionDescriptor{SessionID: id, UserLoginDisplay: "a"}), nil
		case wire.CmdInvoke:
			switch req.Method {
			case "warn":
				return wire.Fail("kept", fault.Informational("close to limit")), nil
			case "fail":
				return wire.Fail(nil, fault.Business("declined")), nil
			case "torn":
				return nil, fault.Serialization(errors.New("unexpected EOF"))
			}
			return wire.OK(req.ID.SessionID), nil
		}
		return wire.OK(nil), nil
	})
}

func producerFor(tr Transport) Producer {
	root := NewRoot(tr, "ledger")
	return func(ctx context.Context) (*Remote, error) {
		return root.Open(ctx, wire.OpenParams{User: "a", Password: "p"}, "")
	}
}

type token struct{ n int }

func TestSafeWrapper_ResetInvalidates(t *testing.T) {
	safe, err := NewSafe(SafeConfig{Producer: producerFor(okServer())})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	built := 0
	w := NewSafeWrapper(safe, func(ctx context.Context, remote *Remote) (*token, error) {
		built++
		return &token{n: built}, nil
	})

	first, err := w.Get(context.Background())
	require.NoError(t, err)
	again, err := w.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, again)

	safe.Reset(errors.New("lost"))
	assert.Equal(t, int64(1), safe.Resets())

	fresh, err := w.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, fresh, "a handle cached before a reset is never reused")
	assert.Equal(t, 2, built)
}

func TestSafe_WrapFaultPolicy(t *testing.T) {
	server := okServer()
	safe, err := NewSafe(SafeConfig{Producer: producerFor(server)})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	accounts := NewSafeSimpleTransaction(safe, "accounts")
	ctx := context.Background()

	sid, err := accounts.Invoke(ctx, "credit", 1)
	require.NoError(t, err)
	assert.Equal(t, "S1", sid)

	result, err := accounts.Invoke(ctx, "warn")
	assert.True(t, fault.IsInformational(err))
	assert.Equal(t, "kept", result)
	assert.Equal(t, int64(0), safe.Resets(), "informational faults keep the session")

	_, err = accounts.Invoke(ctx, "fail")
	assert.True(t, fault.IsBusiness(err))
	assert.Equal(t, int64(1), safe.Resets())
	assert.Equal(t, 1, server.count(wire.CmdClose), "the discarded session is closed")

	sid, err = accounts.Invoke(ctx, "credit", 1)
	require.NoError(t, err)
	assert.Equal(t, "S2", sid, "next call reopens")
}

func TestSafe_SerializationFaultIsTerminal(t *testing.T) {
	safe, err := NewSafe(SafeConfig{Producer: producerFor(okServer())})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	accounts := NewSafeSimpleTransaction(safe, "accounts")
	ctx := context.Background()

	_, err = accounts.Invoke(ctx, "torn")
	assert.True(t, fault.IsSerialization(err))

	_, err = accounts.Invoke(ctx, "credit", 1)
	assert.ErrorIs(t, err, ErrUnusable)
	_, err = accounts.Invoke(ctx, "credit", 1)
	assert.ErrorIs(t, err, ErrUnusable)
	assert.Equal(t, int64(1), safe.Resets(), "unusable calls do not keep resetting")

	remote, err := safe.Reopen(ctx)
	require.NoError(t, err)
	sid, err := accounts.Invoke(ctx, "credit", 1)
	require.NoError(t, err)
	assert.Equal(t, remote.ID(), sid)
}

func TestSafe_ProducerRetries(t *testing.T) {
	var attempts atomic.Int32
	good := producerFor(okServer())
	producer := func(ctx context.Context) (*Remote, error) {
		if attempts.Add(1) < 3 {
			return nil, fault.Transport(errors.New("connection refused"))
		}
		return good(ctx)
	}

	safe, err := NewSafe(SafeConfig{Producer: producer, Backoff: backoff.NewConstantBackOff(time.Millisecond)})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	remote, err := safe.Remote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "S1", remote.ID())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSafe_AuthFailureIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	producer := func(ctx context.Context) (*Remote, error) {
		attempts.Add(1)
		return nil, fault.Protocol(fault.CodeAuthFailed, "login failed")
	}

	safe, err := NewSafe(SafeConfig{Producer: producer, Backoff: backoff.NewConstantBackOff(time.Millisecond)})
	require.NoError(t, err)

	_, err = safe.Remote(context.Background())
	assert.True(t, fault.IsProtocol(err, fault.CodeAuthFailed))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestSafe_PassThrough(t *testing.T) {
	server := okServer()
	remote, err := producerFor(server)(context.Background())
	require.NoError(t, err)

	safe, err := NewSafe(SafeConfig{Remote: remote})
	require.NoError(t, err)

	accounts := safe.Wrap("accounts", func(ctx context.Context) (Invoker, error) {
		r, err := safe.Remote(ctx)
		if err != nil {
			return nil, err
		}
		return r.Simple("accounts"), nil
	})

	_, err = accounts.Invoke(context.Background(), "fail")
	assert.True(t, fault.IsBusiness(err))
	assert.Equal(t, int64(0), safe.Resets(), "without a producer nothing is reset")

	got, err := safe.Remote(context.Background())
	require.NoError(t, err)
	assert.Same(t, remote, got)

	_, err = NewSafe(SafeConfig{})
	assert.Error(t, err)
}

func TestSafe_CloseOnce(t *testing.T) {
	server := okServer()
	safe, err := NewSafe(SafeConfig{Producer: producerFor(server), ActivityWindow: time.Hour})
	require.NoError(t, err)

	_, err = safe.Remote(context.Background())
	require.NoError(t, err)

	require.NoError(t, safe.Close(context.Background()))
	require.NoError(t, safe.Close(context.Background()))
	assert.Equal(t, 1, server.count(wire.CmdClose))

	_, err = safe.Remote(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPinger_KeepsSessionAlive(t *testing.T) {
	server := okServer()
	safe, err := NewSafe(SafeConfig{Producer: producerFor(server)})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	_, err = safe.Remote(context.Background())
	require.NoError(t, err)

	p := NewPinger(safe, 40*time.Millisecond, 0, nil)
	assert.Equal(t, 20*time.Millisecond, p.Interval())
	p.Start()
	p.Start()
	assert.Eventually(t, func() bool {
		return server.count(wire.CmdPing) >= 3
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestPinger_FailuresGoToSink(t *testing.T) {
	var opened atomic.Int32
	server := newScripted(func(req *wire.Request) (*wire.Response, error) {
		switch req.Command {
		case wire.CmdOpen:
			opened.Add(1)
			return wire.OK(wire.SessionDescriptor{SessionID: "S"}), nil
		case wire.CmdPing:
			return wire.Fail(nil, fault.Protocol(fault.CodeSessionClosed, "session closed")), nil
		}
		return wire.OK(nil), nil
	})

	var mu sync.Mutex
	var sunk []error
	safe, err := NewSafe(SafeConfig{
		Producer:       producerFor(server),
		ActivityWindow: 20 * time.Millisecond,
		OnError: func(err error) {
			mu.Lock()
			sunk = append(sunk, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	_, err = safe.Remote(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sunk) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.True(t, fault.IsProtocol(sunk[0], fault.CodeSessionClosed))
	mu.Unlock()
	assert.GreaterOrEqual(t, safe.Resets(), int64(1), "a dead session is dropped")
	assert.Equal(t, int32(1), opened.Load(), "the pinger never reopens on its own")
}

// ---- against a real dispatcher ----

type purse struct{ conn *dbconn.Conn }

type nopManager struct{}

func (nopManager) Allocate(ctx context.Context) (*dbconn.Conn, error) { return &dbconn.Conn{}, nil }
func (nopManager) Release(*dbconn.Conn) error                         { return nil }
func (nopManager) Commit(*dbconn.Conn) error                          { return nil }
func (nopManager) Rollback(*dbconn.Conn) error                        { return nil }
func (nopManager) Close() error                                       { return nil }

func newDispatcher(t *testing.T) (*dispatch.Dispatcher, *session.Registry, *atomic.Int64) {
	t.Helper()
	sessions, err := session.NewRegistry(session.RegistryConfig{
		Login: func(ctx context.Context, creds session.Credentials) (*session.Identity, error) {
			if creds.Password != "p" {
				return nil, session.ErrAuth
			}
			return &session.Identity{Manager: nopManager{}, User: creds.User}, nil
		},
	})
	require.NoError(t, err)

	var asyncCalls atomic.Int64
	interfaces := txn.NewRegistry()
	interfaces.MustRegister(txn.Interface{
		Name: "purse",
		New: func(env txn.Env) (interface{}, error) {
			return &purse{conn: env.Conn}, nil
		},
		Methods: map[string]txn.Method{
			"conn": txn.Handler(nil, func(ctx context.Context, p *purse, args txn.Args) (interface{}, error) {
				return fmt.Sprintf("%p", p.conn), nil
			}),
			"tick": txn.Handler(nil, func(ctx context.Context, p *purse, args txn.Args) (interface{}, error) {
				asyncCalls.Add(1)
				return nil, nil
			}),
		},
	})

	queue := commandqueue.New(commandqueue.Config{Workers: 1})
	t.Cleanup(func() { queue.Close() })
	async, err := txn.NewAsync(txn.AsyncConfig{Manager: nopManager{}, Interfaces: interfaces, Queue: queue})
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Config{Application: "ledger", Sessions: sessions, Interfaces: interfaces, Async: async})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		sessions.CloseAll()
	})
	return d, sessions, &asyncCalls
}

func TestRemote_AgainstDispatcher(t *testing.T) {
	d, sessions, asyncCalls := newDispatcher(t)
	root := NewRoot(transport.NewLocal(d, nil), "ledger")
	ctx := context.Background()

	_, err := root.Open(ctx, wire.OpenParams{User: "a", Password: "nope"}, "")
	assert.True(t, fault.IsProtocol(err, fault.CodeAuthFailed))

	remote, err := root.Open(ctx, wire.OpenParams{User: "a", Password: "p", Host: "laptop"}, "")
	require.NoError(t, err)
	assert.Equal(t, "laptop", remote.Descriptor().UserHostDisplay)
	require.NoError(t, remote.Ping(ctx))

	tx, err := remote.Begin(ctx)
	require.NoError(t, err)
	purseTx := tx.Handle("purse")
	c1, err := purseTx.Invoke(ctx, "conn")
	require.NoError(t, err)
	c2, err := purseTx.Invoke(ctx, "conn")
	require.NoError(t, err)
	assert.Equal(t, c1, c2, "explicit transaction keeps its connection")
	require.NoError(t, tx.Commit(ctx))
	assert.True(t, fault.IsProtocol(tx.Rollback(ctx), fault.CodeTransactionInactive))

	_, err = remote.Async("purse").Invoke(ctx, "tick")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return asyncCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	other, err := root.Open(ctx, wire.OpenParams{User: "b", Password: "p"}, "")
	require.NoError(t, err)

	infos, err := remote.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Current)
	assert.Equal(t, "b", infos[1].Login)

	cur, err := other.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, other.ID(), cur.SessionID)

	require.NoError(t, remote.Kill(ctx, other.ID()))
	assert.Equal(t, 1, sessions.Count())
	assert.True(t, fault.IsProtocol(other.Ping(ctx), fault.CodeSessionClosed))

	require.NoError(t, remote.Close(ctx))
	require.NoError(t, remote.Close(ctx))
	assert.Equal(t, 0, sessions.Count())
}

func TestSafe_RecoversFromEviction(t *testing.T) {
	d, sessions, _ := newDispatcher(t)
	root := NewRoot(transport.NewLocal(d, nil), "ledger")

	var prior string
	safe, err := NewSafe(SafeConfig{
		Producer: func(ctx context.Context) (*Remote, error) {
			r, err := root.Open(ctx, wire.OpenParams{User: "a", Password: "p"}, prior)
			if err == nil {
				prior = r.ID()
			}
			return r, err
		},
	})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	purses := NewSafeSimpleTransaction(safe, "purse")
	ctx := context.Background()

	_, err = purses.Invoke(ctx, "conn")
	require.NoError(t, err)
	first, err := safe.Remote(ctx)
	require.NoError(t, err)

	require.NoError(t, sessions.Kill(first.ID()))

	_, err = purses.Invoke(ctx, "conn")
	assert.True(t, fault.IsProtocol(err, fault.CodeSessionClosed))

	_, err = purses.Invoke(ctx, "conn")
	require.NoError(t, err, "the wrapper reconnected")
	second, err := safe.Remote(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, first.ID(), second.ID(), "the reconnect reused the earlier id")
}

func TestSafe_UnencodableArgumentKeepsSession(t *testing.T) {
	d, sessions, _ := newDispatcher(t)
	root := NewRoot(transport.NewLocal(d, nil), "ledger")
	safe, err := NewSafe(SafeConfig{
		Producer: func(ctx context.Context) (*Remote, error) {
			return root.Open(ctx, wire.OpenParams{User: "a", Password: "p"}, "")
		},
	})
	require.NoError(t, err)
	defer safe.Close(context.Background())

	purses := NewSafeSimpleTransaction(safe, "purse")
	ctx := context.Background()

	_, err = purses.Invoke(ctx, "conn", math.NaN())
	require.Error(t, err)
	assert.True(t, fault.IsProtocol(err, fault.CodeUnencodable))
	assert.Equal(t, int64(0), safe.Resets())

	_, err = purses.Invoke(ctx, "conn")
	require.NoError(t, err, "the client stays usable")
	assert.Equal(t, 1, sessions.Count())
}

func TestSafe_StaleFailureKeepsFreshSession(t *testing.T) {
	server := okServer()
	safe, err := NewSafe(SafeConfig{Producer: producerFor(server)})
	require.NoError(t, err)
	defer safe.Close(context.Background())
	ctx := context.Background()

	old, err := safe.Remote(ctx)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := safe.Wrap("accounts", func(ctx context.Context) (Invoker, error) {
		return InvokerFunc(func(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
			close(entered)
			<-release
			return nil, fault.Transport(errors.New("connection reset"))
		}), nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := slow.Invoke(ctx, "credit")
		errCh <- err
	}()
	<-entered

	safe.Reset(errors.New("lost"))
	fresh, err := safe.Remote(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())

	close(release)
	assert.Equal(t, fault.KindTransport, fault.KindOf(<-errCh))

	assert.Equal(t, int64(1), safe.Resets())
	current, err := safe.Remote(ctx)
	require.NoError(t, err)
	assert.Same(t, fresh, current)
	assert.False(t, fresh.Closed())
	assert.Equal(t, 1, server.count(wire.CmdClose), "only the discarded session was closed")
}
