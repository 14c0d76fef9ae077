package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/txgate/pkg/commandqueue"
	"github.com/harun/txgate/pkg/dbconn"
	"github.com/harun/txgate/pkg/fault"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultAsyncLane = "async"

// Submitter queues fire-and-forget tasks. *commandqueue.CommandQueue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, lane string, task commandqueue.Task, options *commandqueue.TaskOptions) (string, error)
}

// AsyncConfig holds async invoker configuration
type AsyncConfig struct {
	// Manager hands out the short-lived connections async calls run on.
	Manager    dbconn.ConnectionManager
	Interfaces *Registry
	Queue      Submitter
	Lane       string
	Logger     *zerolog.Logger
}

// Async runs calls in the background, each on its own connection and in its own
// transaction. Callers get control back once the call is queued.
type Async struct {
	manager    dbconn.ConnectionManager
	interfaces *Registry
	queue      Submitter
	lane       string
	logger     zerolog.Logger
}

// NewAsync creates an async invoker
func NewAsync(cfg AsyncConfig) (*Async, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("async connection manager is required")
	}
	if cfg.Interfaces == nil {
		return nil, fmt.Errorf("interface registry is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("async queue is required")
	}
	if cfg.Lane == "" {
		cfg.Lane = DefaultAsyncLane
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Async{
		manager:    cfg.Manager,
		interfaces: cfg.Interfaces,
		queue:      cfg.Queue,
		lane:       cfg.Lane,
		logger:     logger.With().Str("component", "txn_async").Logger(),
	}, nil
}

// detached is the caller's identity on the async connection manager.
type detached struct {
	Owner
	manager dbconn.ConnectionManager
}

func (d detached) Manager() dbconn.ConnectionManager {
	return d.manager
}

// Invoke validates the call, runs the pre-call check and queues it. Resolution and
// rejection faults are returned; failures of the queued call are only logged. A
// non-empty key makes the submission idempotent.
func (a *Async) Invoke(ctx context.Context, owner Owner, key, iface, method string, args ...interface{}) error {
	_, m, err := a.interfaces.Lookup(iface, method)
	if err != nil {
		return err
	}
	if err := CheckShape(iface, method, m, nil, len(args)); err != nil {
		return err
	}
	if err := owner.Check(ctx, iface, method); err != nil {
		return fault.Protocol(fault.CodeRejected, "%s.%s rejected: %v", iface, method, err)
	}

	job := detached{Owner: owner, manager: a.manager}
	callArgs := Args(args)
	task := func(taskCtx context.Context) error {
		_, err := NewContext(job, a.interfaces, &a.logger).Invoke(taskCtx, iface, method, callArgs, true)
		if err != nil && fault.IsInformational(err) {
			a.logger.Info().Str("iface", iface).Str("method", method).Err(err).Msg("Async call committed with informational fault")
			return nil
		}
		return err
	}

	var opts *commandqueue.TaskOptions
	if key != "" {
		opts = &commandqueue.TaskOptions{Key: key}
	}
	taskID, err := a.queue.Submit(ctx, a.lane, task, opts)
	switch {
	case errors.Is(err, commandqueue.ErrDuplicate):
		a.logger.Debug().Str("key", key).Str("task_id", taskID).Msg("Async call already queued")
		return nil
	case err != nil:
		return fault.Resource("queue async call", err)
	}

	a.logger.Debug().
		Str("session_id", owner.ID()).
		Str("iface", iface).
		Str("method", method).
		Str("task_id", taskID).
		Msg("Async call queued")
	return nil
}
