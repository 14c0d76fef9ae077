package session

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Start starts the watchdog that sweeps idle sessions every watchdog period.
func (r *Registry) Start() error {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()

	if r.watchdog != nil {
		return fmt.Errorf("watchdog is already running")
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", r.period)
	if _, err := c.AddFunc(schedule, func() {
		r.Sweep()
	}); err != nil {
		return fmt.Errorf("invalid watchdog period %s: %w", r.period, err)
	}
	c.Start()
	r.watchdog = c

	r.logger.Info().
		Dur("period", r.period).
		Dur("activity_window", r.ActivityWindow()).
		Msg("Session watchdog started")

	return nil
}

// Stop stops the watchdog and waits for a running sweep to finish.
func (r *Registry) Stop() {
	r.watchdogMu.Lock()
	c := r.watchdog
	r.watchdog = nil
	r.watchdogMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()

	r.logger.Info().Msg("Session watchdog stopped")
}

// IsRunning returns whether the watchdog is running
func (r *Registry) IsRunning() bool {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	return r.watchdog != nil
}
