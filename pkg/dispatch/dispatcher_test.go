package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harun/txgate/pkg/commandqueue"
	"github.com/harun/txgate/pkg/dbconn"
	"github.com/harun/txgate/pkg/fault"
	"github.com/harun/txgate/pkg/session"
	"github.com/harun/txgate/pkg/txn"
	"github.com/harun/txgate/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const app = "ledger"

type trackingManager struct {
	mu        sync.Mutex
	allocs    int
	releases  int
	commits   int
	rollbacks int
	closed    int
}

func (m *trackingManager) Allocate(ctx context.Context) (*dbconn.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocs++
	return &dbconn.Conn{}, nil
}

func (m *trackingManager) Release(*dbconn.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

func (m *trackingManager) Commit(*dbconn.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

func (m *trackingManager) Rollback(*dbconn.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	return nil
}

func (m *trackingManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

type counts struct{ allocs, releases, commits, rollbacks int }

func (m *trackingManager) snapshot() counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return counts{m.allocs, m.releases, m.commits, m.rollbacks}
}

type wallet struct {
	conn *dbconn.Conn
}

type harness struct {
	d        *Dispatcher
	sessions *session.Registry
	managers map[string]*trackingManager
	conns    []*dbconn.Conn
	built    int
	mu       sync.Mutex
}

func (h *harness) manager(user string) *trackingManager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.managers[user]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{managers: make(map[string]*trackingManager)}

	sessions, err := session.NewRegistry(session.RegistryConfig{
		Login: func(ctx context.Context, creds session.Credentials) (*session.Identity, error) {
			if creds.Password != "p" {
				return nil, session.ErrAuth
			}
			m := &trackingManager{}
			h.mu.Lock()
			h.managers[creds.User] = m
			h.mu.Unlock()
			return &session.Identity{
				Manager: m,
				User:    creds.User,
				Check: func(ctx context.Context, user interface{}, iface, method string) error {
					if method == "forbidden" {
						return fault.Business("not allowed")
					}
					return nil
				},
			}, nil
		},
	})
	require.NoError(t, err)

	interfaces := txn.NewRegistry()
	interfaces.MustRegister(txn.Interface{
		Name: "wallet",
		New: func(env txn.Env) (interface{}, error) {
			h.mu.Lock()
			h.built++
			h.mu.Unlock()
			return &wallet{conn: env.Conn}, nil
		},
		Methods: map[string]txn.Method{
			"credit": txn.Handler([]string{"int64"}, func(ctx context.Context, w *wallet, args txn.Args) (interface{}, error) {
				n, err := args.Int64(0)
				if err != nil {
					return nil, err
				}
				h.mu.Lock()
				h.conns = append(h.conns, w.conn)
				h.mu.Unlock()
				return n, nil
			}),
			"overdraw": txn.Handler(nil, func(ctx context.Context, w *wallet, args txn.Args) (interface{}, error) {
				return nil, fault.Business("insufficient funds")
			}),
			"forbidden": txn.Handler(nil, func(ctx context.Context, w *wallet, args txn.Args) (interface{}, error) {
				return "unreachable", nil
			}),
		},
	})

	queue := commandqueue.New(commandqueue.Config{Workers: 2})
	t.Cleanup(func() { queue.Close() })

	asyncMgr := &trackingManager{}
	h.managers["async"] = asyncMgr
	async, err := txn.NewAsync(txn.AsyncConfig{Manager: asyncMgr, Interfaces: interfaces, Queue: queue})
	require.NoError(t, err)

	d, err := New(Config{Application: app, Sessions: sessions, Interfaces: interfaces, Async: async})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		sessions.CloseAll()
	})

	h.d = d
	h.sessions = sessions
	return h
}

func (h *harness) call(req *wire.Request) *wire.Response {
	if req.ID.Application == "" {
		req.ID.Application = app
	}
	return h.d.Dispatch(context.Background(), req)
}

func (h *harness) open(t *testing.T, user string) string {
	t.Helper()
	resp := h.call(&wire.Request{Command: wire.CmdOpen, Params: []interface{}{user, "p", "host-1"}})
	require.NoError(t, resp.Err())
	var desc wire.SessionDescriptor
	require.NoError(t, wire.DecodeResult(resp.Result, &desc))
	require.NotEmpty(t, desc.SessionID)
	return desc.SessionID
}

func TestDispatch_ExplicitTransactionScenario(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdGetTransaction})
	require.NoError(t, resp.Err())
	tid, ok := resp.Result.(string)
	require.True(t, ok)
	assert.Equal(t, 1, h.d.ActiveTransactions())

	id := wire.ID{SessionID: sid, TransactionID: tid}
	resp = h.call(&wire.Request{ID: id, Command: wire.CmdInvoke, Interface: "wallet", Method: "credit", Params: []interface{}{100}})
	require.NoError(t, resp.Err())
	resp = h.call(&wire.Request{ID: id, Command: wire.CmdInvoke, Interface: "wallet", Method: "credit", Params: []interface{}{50}})
	require.NoError(t, resp.Err())

	m := h.manager("a")
	assert.Equal(t, counts{allocs: 1}, m.snapshot(), "no commit before COMMIT")
	require.Len(t, h.conns, 2)
	assert.Same(t, h.conns[0], h.conns[1])

	resp = h.call(&wire.Request{ID: id, Command: wire.CmdCommit})
	require.NoError(t, resp.Err())
	assert.Equal(t, counts{allocs: 1, releases: 1, commits: 1}, m.snapshot())
	assert.Equal(t, 0, h.d.ActiveTransactions())

	resp = h.call(&wire.Request{ID: id, Command: wire.CmdRollback})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeTransactionInactive))
}

func TestDispatch_SimpleInvokeBusinessFault(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdInvoke, Interface: "wallet", Method: "overdraw"})
	require.Error(t, resp.Err())
	assert.True(t, fault.IsBusiness(resp.Err()))
	assert.Equal(t, "insufficient funds", resp.Error.Message)
	assert.Equal(t, counts{allocs: 1, releases: 1, rollbacks: 1}, h.manager("a").snapshot())
}

func TestDispatch_SimpleInvokeCommits(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdInvoke, Interface: "wallet", Method: "credit", ParamTypes: []string{"int64"}, Params: []interface{}{7}})
	require.NoError(t, resp.Err())
	assert.EqualValues(t, 7, resp.Result)
	assert.Equal(t, counts{allocs: 1, releases: 1, commits: 1}, h.manager("a").snapshot())
}

func TestDispatch_WrongApplication(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.d.Dispatch(context.Background(), &wire.Request{ID: wire.ID{Application: "payroll", SessionID: sid}, Command: wire.CmdPing})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeWrongApplication))

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: "DROP"})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeUnknownCommand))
}

func TestDispatch_Open(t *testing.T) {
	h := newHarness(t)

	resp := h.call(&wire.Request{Command: wire.CmdOpen, Params: []interface{}{"a", "wrong"}})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeAuthFailed))
	assert.Equal(t, 0, h.sessions.Count())

	resp = h.call(&wire.Request{Command: wire.CmdOpen, Params: []interface{}{
		map[string]interface{}{"user": "b", "password": "p", "host": "laptop"},
	}})
	require.NoError(t, resp.Err())
	var desc wire.SessionDescriptor
	require.NoError(t, wire.DecodeResult(resp.Result, &desc))
	assert.Equal(t, "b", desc.UserLoginDisplay)
	assert.Equal(t, "laptop", desc.UserHostDisplay)

	resp = h.call(&wire.Request{Command: wire.CmdOpen, Params: []interface{}{"only-user"}})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeWrongCallShape))
}

func TestDispatch_ReconnectReusesSessionID(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdClose})
	require.NoError(t, resp.Err())

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdOpen, Params: []interface{}{"a", "p"}})
	require.NoError(t, resp.Err())
	var desc wire.SessionDescriptor
	require.NoError(t, wire.DecodeResult(resp.Result, &desc))
	assert.Equal(t, sid, desc.SessionID)
}

func TestDispatch_DeadSession(t *testing.T) {
	h := newHarness(t)

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: "gone"}, Command: wire.CmdPing})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeSessionClosed))

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: "gone"}, Command: wire.CmdInvoke, Interface: "wallet", Method: "credit", Params: []interface{}{1}})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeSessionClosed))

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: "gone"}, Command: wire.CmdClose})
	assert.NoError(t, resp.Err(), "closing a closed session is absorbed")
}

func TestDispatch_UnknownTransactionNeverConstructs(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.call(&wire.Request{
		ID:        wire.ID{SessionID: sid, TransactionID: "nope"},
		Command:   wire.CmdInvoke,
		Interface: "wallet",
		Method:    "credit",
		Params:    []interface{}{1},
	})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeTransactionInactive))
	assert.Equal(t, 0, h.built)
	assert.Equal(t, counts{}, h.manager("a").snapshot())
}

func TestDispatch_CallShapeAndLookup(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")
	id := wire.ID{SessionID: sid}

	resp := h.call(&wire.Request{ID: id, Command: wire.CmdInvoke, Interface: "wallet", Method: "credit", ParamTypes: []string{"string"}, Params: []interface{}{"x"}})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeWrongCallShape))

	resp = h.call(&wire.Request{ID: id, Command: wire.CmdInvoke, Interface: "wallet", Method: "steal"})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeUnknownMethod))

	resp = h.call(&wire.Request{ID: id, Command: wire.CmdInvoke, Interface: "vault", Method: "open"})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeUnknownInterface))

	resp = h.call(&wire.Request{ID: id, Command: wire.CmdInvoke, Interface: "wallet", Method: "forbidden"})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeRejected))

	assert.Equal(t, 0, h.built)
	assert.Equal(t, counts{}, h.manager("a").snapshot())
}

func TestDispatch_TransactionBelongsToSession(t *testing.T) {
	h := newHarness(t)
	owner := h.open(t, "a")
	other := h.open(t, "b")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: owner}, Command: wire.CmdGetTransaction})
	require.NoError(t, resp.Err())
	tid := resp.Result.(string)

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: other, TransactionID: tid}, Command: wire.CmdCommit})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeTransactionInactive))
	assert.Equal(t, 1, h.d.ActiveTransactions(), "foreign COMMIT leaves the transaction alone")

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: owner, TransactionID: tid}, Command: wire.CmdRollback})
	require.NoError(t, resp.Err())
	assert.Equal(t, 0, h.d.ActiveTransactions())
}

func TestDispatch_CloseRollsBackOpenTransactions(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdGetTransaction})
	require.NoError(t, resp.Err())
	tid := resp.Result.(string)

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: sid, TransactionID: tid}, Command: wire.CmdInvoke, Interface: "wallet", Method: "credit", Params: []interface{}{5}})
	require.NoError(t, resp.Err())

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdClose})
	require.NoError(t, resp.Err())

	m := h.manager("a")
	assert.Equal(t, counts{allocs: 1, releases: 1, rollbacks: 1}, m.snapshot())
	assert.Equal(t, 0, h.d.ActiveTransactions())
	m.mu.Lock()
	assert.Equal(t, 1, m.closed)
	m.mu.Unlock()
}

func TestDispatch_SessionAdmin(t *testing.T) {
	h := newHarness(t)
	first := h.open(t, "a")
	second := h.open(t, "b")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: second}, Command: wire.CmdGetSessions})
	require.NoError(t, resp.Err())
	infos, ok := resp.Result.([]wire.SessionInfo)
	require.True(t, ok)
	require.Len(t, infos, 2)
	assert.Equal(t, first, infos[0].SessionID)
	assert.False(t, infos[0].Current)
	assert.True(t, infos[1].Current)

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: first}, Command: wire.CmdGetCurrentSession})
	require.NoError(t, resp.Err())
	cur := resp.Result.(wire.SessionInfo)
	assert.Equal(t, first, cur.SessionID)
	assert.Equal(t, "a", cur.Login)

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: second}, Command: wire.CmdKillSession, Params: []interface{}{first}})
	require.NoError(t, resp.Err())
	_, live := h.sessions.Get(first)
	assert.False(t, live)

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: second}, Command: wire.CmdKillSession, Params: []interface{}{first}})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeSessionClosed))

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: second}, Command: wire.CmdKillSession})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeWrongCallShape))
}

func TestDispatch_InvokeAsync(t *testing.T) {
	h := newHarness(t)
	sid := h.open(t, "a")

	resp := h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdInvokeAsync, Interface: "wallet", Method: "credit", Params: []interface{}{3}, RequestID: "r-1"})
	require.NoError(t, resp.Err())
	resp = h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdInvokeAsync, Interface: "wallet", Method: "credit", Params: []interface{}{3}, RequestID: "r-1"})
	require.NoError(t, resp.Err(), "duplicate request id is accepted once")

	async := h.manager("async")
	assert.Eventually(t, func() bool {
		return async.snapshot().commits == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, counts{}, h.manager("a").snapshot(), "async work never touches the session manager")

	resp = h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdInvokeAsync, Interface: "wallet", Method: "nope"})
	assert.True(t, fault.IsProtocol(resp.Err(), fault.CodeUnknownMethod))
}

func TestDispatch_ConcurrentSessions(t *testing.T) {
	h := newHarness(t)
	users := []string{"u1", "u2", "u3", "u4"}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = h.open(t, u)
	}

	var wg sync.WaitGroup
	for _, sid := range ids {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				resp := h.call(&wire.Request{ID: wire.ID{SessionID: sid}, Command: wire.CmdInvoke, Interface: "wallet", Method: "credit", Params: []interface{}{i}})
				assert.NoError(t, resp.Err())
			}
		}(sid)
	}
	wg.Wait()

	for _, u := range users {
		assert.Equal(t, counts{allocs: 20, releases: 20, commits: 20}, h.manager(u).snapshot())
	}
}
