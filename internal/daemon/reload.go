package daemon

import (
	"context"

	"github.com/harun/txgate/internal/config"
	"github.com/harun/txgate/internal/observability"
	"github.com/harun/txgate/pkg/txn"
)

// applyConfig takes the settings that can change without a restart from a
// reloaded config. Listener and database settings need a restart.
func (d *Daemon) applyConfig(next *config.Config) {
	next.ApplyPaths(d.config.DataDir)

	d.mu.Lock()
	prev := d.config
	d.config = next
	d.mu.Unlock()

	zl := d.logger.Zerolog()
	changed := map[string]interface{}{}

	if next.Server.ActivityWindow != prev.Server.ActivityWindow {
		d.sessions.SetActivityWindow(next.Server.ActivityWindowDuration())
		changed["activity_window"] = next.Server.ActivityWindow
	}

	if next.Server.AsyncWorkers != prev.Server.AsyncWorkers {
		if err := d.queue.SetLimit(txn.DefaultAsyncLane, next.Server.AsyncWorkers); err != nil {
			zl.Warn().Err(err).Msg("Failed to apply async workers")
		} else {
			changed["async_workers"] = next.Server.AsyncWorkers
		}
	}

	if limits := clientLimits(next); limits != clientLimits(prev) {
		d.server.SetLimits(limits)
		changed["requests_per_minute"] = limits.RequestsPerMinute
		changed["max_concurrent"] = limits.MaxConcurrent
	}

	if next.Logging.Level != prev.Logging.Level {
		if err := d.logger.SetLevel(next.Logging.Level); err != nil {
			zl.Warn().Err(err).Msg("Failed to apply log level")
		} else {
			changed["log_level"] = next.Logging.Level
		}
	}

	var restart []string
	if next.Server.Addr() != prev.Server.Addr() {
		restart = append(restart, "server.host/port")
	}
	if next.Server.Application != prev.Server.Application {
		restart = append(restart, "server.application")
	}
	if next.Database.Path != prev.Database.Path {
		restart = append(restart, "database.path")
	}
	if len(restart) > 0 {
		zl.Warn().Strs("settings", restart).Msg("Config changes require a restart to take effect")
	}

	if len(changed) == 0 {
		zl.Debug().Msg("Config reloaded with no live changes")
		return
	}

	observability.RecordConfigAudit(context.Background(), "reload", "config_watcher", changed)
	zl.Info().Fields(changed).Msg("Config reloaded")
}
