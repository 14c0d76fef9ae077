package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/txgate/internal/observability"
	"github.com/harun/txgate/internal/tracing"
	"github.com/harun/txgate/pkg/fault"
	"github.com/harun/txgate/pkg/session"
	"github.com/harun/txgate/pkg/txn"
	"github.com/harun/txgate/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "txgate.dispatch"

// Config holds dispatcher configuration
type Config struct {
	// Application is the identity every request must name.
	Application string
	Sessions    *session.Registry
	Interfaces  *txn.Registry
	// Async runs INVOKE_ASYNC; without it the command is refused.
	Async  *txn.Async
	Logger *zerolog.Logger
}

// Dispatcher turns decoded requests into session, transaction and invocation
// operations. It is safe for concurrent use; calls on one session serialize on
// that session's connection.
type Dispatcher struct {
	application string
	sessions    *session.Registry
	interfaces  *txn.Registry
	async       *txn.Async
	logger      zerolog.Logger

	transactions sync.Map // transaction id -> *txn.Transaction
	txCount      atomic.Int64
}

// New creates a dispatcher and subscribes it to session close events.
func New(cfg Config) (*Dispatcher, error) {
	observability.EnsureRegistered()

	if cfg.Application == "" {
		return nil, fmt.Errorf("application name is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Interfaces == nil {
		return nil, fmt.Errorf("interface registry is required")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	d := &Dispatcher{
		application: cfg.Application,
		sessions:    cfg.Sessions,
		interfaces:  cfg.Interfaces,
		async:       cfg.Async,
		logger:      logger.With().Str("component", "dispatcher").Str("application", cfg.Application).Logger(),
	}
	cfg.Sessions.OnClosed(d.sessionClosed)
	return d, nil
}

// Application returns the application name the dispatcher answers to.
func (d *Dispatcher) Application() string {
	return d.application
}

// Dispatch executes one request. It never returns nil and never panics on bad
// input: every failure becomes a fault in the response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	start := time.Now()
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.NewContext(ctx, tracing.TraceContext{
		SessionID:     req.ID.SessionID,
		TransactionID: req.ID.TransactionID,
		Command:       string(req.Command),
	})

	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch."+string(req.Command),
		attribute.String("command", string(req.Command)),
		attribute.String("iface", req.Interface),
		attribute.String("method", req.Method),
	)
	defer span.End()

	result, err := d.dispatch(ctx, req)
	duration := time.Since(start)

	if err == nil {
		observability.RecordDispatch(string(req.Command), "ok", duration)
		return wire.OK(result)
	}

	f := fault.From(err)
	span.RecordError(f)
	if f.Kind != fault.KindInformational {
		span.SetStatus(codes.Error, f.Error())
	}
	observability.RecordDispatch(string(req.Command), string(f.Kind), duration)
	d.logFault(ctx, req, f, duration)

	return wire.Fail(result, f)
}

// logFault logs a fault once, at a level that matches who failed.
func (d *Dispatcher) logFault(ctx context.Context, req *wire.Request, f *fault.Fault, duration time.Duration) {
	logger := tracing.LoggerFromContext(ctx, d.logger)

	var event *zerolog.Event
	switch f.Kind {
	case fault.KindBusiness, fault.KindInformational:
		event = logger.Info()
	case fault.KindProtocol:
		event = logger.Warn()
	default:
		event = logger.Error()
	}
	event.
		Str("iface", req.Interface).
		Str("method", req.Method).
		Str("kind", string(f.Kind)).
		Str("code", f.Code).
		Dur("duration", duration).
		Err(f).
		Msg("Dispatch returned fault")
}

func (d *Dispatcher) dispatch(ctx context.Context, req *wire.Request) (interface{}, error) {
	if req.ID.Application != d.application {
		return nil, fault.Protocol(fault.CodeWrongApplication, "request for application %q, this is %q", req.ID.Application, d.application)
	}
	if !req.Command.Valid() {
		return nil, fault.Protocol(fault.CodeUnknownCommand, "unknown command %q", req.Command)
	}

	if req.Command == wire.CmdOpen {
		return d.open(ctx, req)
	}

	// A dead session is absorbed only for CLOSE. PING on it answers SESSION_CLOSED
	// because the client's pinger relies on that fault to reset and reconnect.
	s, ok := d.sessions.Get(req.ID.SessionID)
	if !ok {
		if req.Command == wire.CmdClose {
			d.logger.Debug().Str("session_id", req.ID.SessionID).Msg("Close of unknown session ignored")
			return nil, nil
		}
		return nil, sessionClosed(req.ID.SessionID)
	}

	switch req.Command {
	case wire.CmdPing:
		s.Touch()
		return nil, nil
	case wire.CmdClose:
		d.sessions.End(s)
		return nil, nil
	case wire.CmdGetTransaction:
		return d.getTransaction(s)
	case wire.CmdCommit:
		return nil, d.finish(s, req.ID.TransactionID, true)
	case wire.CmdRollback:
		return nil, d.finish(s, req.ID.TransactionID, false)
	case wire.CmdInvoke:
		return d.invoke(ctx, s, req)
	case wire.CmdInvokeAsync:
		return nil, d.invokeAsync(ctx, s, req)
	case wire.CmdGetSessions:
		s.Touch()
		return d.listSessions(s), nil
	case wire.CmdKillSession:
		s.Touch()
		return nil, d.kill(ctx, s, req)
	case wire.CmdGetCurrentSession:
		s.Touch()
		return toSessionInfo(s.Info(), true), nil
	}
	return nil, fault.Protocol(fault.CodeUnknownCommand, "unknown command %q", req.Command)
}

func sessionClosed(id string) error {
	return fault.Protocol(fault.CodeSessionClosed, "session %q is closed", id)
}

func (d *Dispatcher) enter(s *session.Session) error {
	if err := s.Enter(); err != nil {
		return sessionClosed(s.ID())
	}
	return nil
}

func (d *Dispatcher) open(ctx context.Context, req *wire.Request) (interface{}, error) {
	params, err := openParams(req.Params)
	if err != nil {
		return nil, fault.Protocol(fault.CodeWrongCallShape, "OPEN: %v", err)
	}

	s, err := d.sessions.Open(ctx, session.Credentials{
		User:     params.User,
		Password: params.Password,
		Host:     params.Host,
	}, req.ID.SessionID)
	if err != nil {
		observability.RecordSecurityAudit(ctx, "login", params.User, observability.StatusFailure, map[string]interface{}{
			"host":  params.Host,
			"error": err.Error(),
		})
		if errors.Is(err, session.ErrAuth) {
			return nil, fault.Protocol(fault.CodeAuthFailed, "login failed for %q", params.User)
		}
		return nil, fault.Resource("login", err)
	}

	observability.RecordSecurityAudit(ctx, "login", params.User, observability.StatusSuccess, map[string]interface{}{
		"host":       params.Host,
		"session_id": s.ID(),
	})

	return wire.SessionDescriptor{
		SessionID:        s.ID(),
		UserLoginDisplay: s.LoginDisplay(),
		UserHostDisplay:  s.HostDisplay(),
		User:             s.User(),
	}, nil
}

// openParams accepts either one record or positional user, password and host.
func openParams(params []interface{}) (wire.OpenParams, error) {
	var out wire.OpenParams
	if len(params) == 1 {
		if _, scalar := params[0].(string); !scalar {
			err := txn.Args(params).Decode(0, &out)
			return out, err
		}
	}
	args := txn.Args(params)
	if args.Len() < 2 || args.Len() > 3 {
		return out, fmt.Errorf("expected user, password and optional host, got %d params", args.Len())
	}
	var err error
	if out.User, err = args.String(0); err != nil {
		return out, err
	}
	if out.Password, err = args.String(1); err != nil {
		return out, err
	}
	if args.Len() == 3 {
		if out.Host, err = args.String(2); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (d *Dispatcher) getTransaction(s *session.Session) (interface{}, error) {
	if err := d.enter(s); err != nil {
		return nil, err
	}
	defer s.Leave()

	tx := txn.Begin(s, d.interfaces, &d.logger)
	d.transactions.Store(tx.ID(), tx)
	observability.SetActiveTransactions(int(d.txCount.Add(1)))

	d.logger.Debug().Str("session_id", s.ID()).Str("transaction_id", tx.ID()).Msg("Transaction opened")
	return tx.ID(), nil
}

// lookupTransaction returns the explicit transaction id names if it belongs to s.
func (d *Dispatcher) lookupTransaction(s *session.Session, id string) (*txn.Transaction, error) {
	v, ok := d.transactions.Load(id)
	if !ok {
		return nil, fault.Protocol(fault.CodeTransactionInactive, "transaction %q is not active", id)
	}
	tx := v.(*txn.Transaction)
	if tx.Owner() != txn.Owner(s) {
		return nil, fault.Protocol(fault.CodeTransactionInactive, "transaction %q is not active in this session", id)
	}
	return tx, nil
}

// take removes the transaction from the table. Only one caller wins.
func (d *Dispatcher) take(id string) (*txn.Transaction, bool) {
	v, ok := d.transactions.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	observability.SetActiveTransactions(int(d.txCount.Add(-1)))
	return v.(*txn.Transaction), true
}

// finish commits or rolls back an explicit transaction. The id is freed whatever
// the outcome.
func (d *Dispatcher) finish(s *session.Session, id string, commit bool) error {
	if err := d.enter(s); err != nil {
		return err
	}
	defer s.Leave()

	if _, err := d.lookupTransaction(s, id); err != nil {
		return err
	}
	tx, ok := d.take(id)
	if !ok {
		return fault.Protocol(fault.CodeTransactionInactive, "transaction %q is not active", id)
	}

	var err error
	if commit {
		err = tx.Commit()
	} else {
		err = tx.Rollback()
	}

	d.logger.Debug().
		Str("session_id", s.ID()).
		Str("transaction_id", id).
		Bool("commit", commit).
		Err(err).
		Msg("Transaction finished")
	return err
}

func (d *Dispatcher) invoke(ctx context.Context, s *session.Session, req *wire.Request) (interface{}, error) {
	if err := d.enter(s); err != nil {
		return nil, err
	}
	defer s.Leave()

	_, m, err := d.interfaces.Lookup(req.Interface, req.Method)
	if err != nil {
		return nil, err
	}
	if err := txn.CheckShape(req.Interface, req.Method, m, req.ParamTypes, len(req.Params)); err != nil {
		return nil, err
	}

	if req.ID.TransactionID != "" {
		tx, err := d.lookupTransaction(s, req.ID.TransactionID)
		if err != nil {
			return nil, err
		}
		return tx.Invoke(ctx, req.Interface, req.Method, req.Params...)
	}
	return txn.NewSimple(s, d.interfaces, &d.logger).Invoke(ctx, req.Interface, req.Method, req.Params...)
}

func (d *Dispatcher) invokeAsync(ctx context.Context, s *session.Session, req *wire.Request) error {
	if d.async == nil {
		return fault.Protocol(fault.CodeUnknownCommand, "async calls are not enabled")
	}
	if err := d.enter(s); err != nil {
		return err
	}
	defer s.Leave()

	_, m, err := d.interfaces.Lookup(req.Interface, req.Method)
	if err != nil {
		return err
	}
	if err := txn.CheckShape(req.Interface, req.Method, m, req.ParamTypes, len(req.Params)); err != nil {
		return err
	}
	return d.async.Invoke(ctx, s, req.RequestID, req.Interface, req.Method, req.Params...)
}

func (d *Dispatcher) listSessions(current *session.Session) []wire.SessionInfo {
	infos := d.sessions.List()
	out := make([]wire.SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, toSessionInfo(info, info.ID == current.ID()))
	}
	return out
}

func (d *Dispatcher) kill(ctx context.Context, s *session.Session, req *wire.Request) error {
	target, err := txn.Args(req.Params).String(0)
	if err != nil || target == "" {
		return fault.Protocol(fault.CodeWrongCallShape, "KILL_SESSION takes the target session id")
	}

	err = d.sessions.Kill(target)
	status := observability.StatusSuccess
	if err != nil {
		status = observability.StatusFailure
	}
	observability.RecordSessionAudit(ctx, "kill_session", s.ID(), status, map[string]interface{}{
		"target": target,
	})
	if errors.Is(err, session.ErrNotFound) {
		return sessionClosed(target)
	}
	return err
}

func toSessionInfo(info session.Info, current bool) wire.SessionInfo {
	return wire.SessionInfo{
		SessionID:  info.ID,
		OrderID:    info.OrderID,
		Login:      info.Login,
		Host:       info.Host,
		CreatedAt:  info.CreatedAt,
		LastActive: info.LastActive,
		InFlight:   info.InFlight,
		Current:    current,
	}
}

// sessionClosed rolls back every explicit transaction the closed session still owns.
// It runs before the session's connection manager is closed.
func (d *Dispatcher) sessionClosed(s *session.Session) {
	d.transactions.Range(func(key, value interface{}) bool {
		tx := value.(*txn.Transaction)
		if tx.Owner() != txn.Owner(s) {
			return true
		}
		if _, ok := d.take(key.(string)); !ok {
			return true
		}
		if err := tx.Rollback(); err != nil && !fault.IsProtocol(err, fault.CodeTransactionInactive) {
			d.logger.Warn().
				Str("session_id", s.ID()).
				Str("transaction_id", tx.ID()).
				Err(err).
				Msg("Rollback of orphaned transaction failed")
			return true
		}
		d.logger.Info().
			Str("session_id", s.ID()).
			Str("transaction_id", tx.ID()).
			Msg("Rolled back transaction of closed session")
		return true
	})
}

// ActiveTransactions returns the number of open explicit transactions.
func (d *Dispatcher) ActiveTransactions() int {
	return int(d.txCount.Load())
}

// Close rolls back every open explicit transaction.
func (d *Dispatcher) Close() {
	d.transactions.Range(func(key, value interface{}) bool {
		tx, ok := d.take(key.(string))
		if !ok {
			return true
		}
		if err := tx.Rollback(); err != nil && !fault.IsProtocol(err, fault.CodeTransactionInactive) {
			d.logger.Warn().Str("transaction_id", tx.ID()).Err(err).Msg("Rollback on shutdown failed")
		}
		return true
	})
}
