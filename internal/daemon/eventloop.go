package daemon

import (
	"context"
	"time"

	"github.com/harun/txgate/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance for the daemon
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	zl := e.daemon.logger.Zerolog()
	zl.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zl.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks refreshes gauges and logs queue stats
func (e *EventLoop) processTasks(ctx context.Context) {
	zl := e.daemon.logger.Zerolog()

	observability.SetActiveSessions(e.daemon.sessions.Count())
	observability.SetActiveTransactions(e.daemon.dispatcher.ActiveTransactions())

	for lane, stats := range e.daemon.queue.Stats() {
		observability.SetQueueSize(lane, stats.Queued)
		if stats.Queued > 0 || stats.Running > 0 {
			zl.Debug().
				Str("lane", lane).
				Int("queued", stats.Queued).
				Int("running", stats.Running).
				Int("limit", stats.Limit).
				Msg("Queue stats")
		}
	}

	if ctx.Err() != nil {
		return
	}
	if version, err := e.daemon.store.Version(ctx); err != nil {
		zl.Warn().Err(err).Msg("Ledger health check failed")
	} else {
		zl.Debug().Int64("schema_version", version).Msg("Ledger healthy")
	}
}
