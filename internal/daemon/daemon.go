package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/harun/txgate/internal/config"
	"github.com/harun/txgate/internal/logger"
	"github.com/harun/txgate/internal/observability"
	"github.com/harun/txgate/internal/tracing"
	"github.com/harun/txgate/pkg/commandqueue"
	"github.com/harun/txgate/pkg/dispatch"
	"github.com/harun/txgate/pkg/ledger"
	"github.com/harun/txgate/pkg/session"
	"github.com/harun/txgate/pkg/transport"
	"github.com/harun/txgate/pkg/txn"
	"github.com/rs/zerolog"
)

// Daemon represents the txgate server process
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	// Core modules
	store      *ledger.Store
	sessions   *session.Registry
	interfaces *txn.Registry
	queue      *commandqueue.CommandQueue
	async      *txn.Async
	dispatcher *dispatch.Dispatcher

	// Services
	server  *transport.Server
	watcher *config.Watcher

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	asyncFailures atomic.Int64

	tracingEnabled bool
}

// Status represents the daemon status
type Status struct {
	Running            bool          `json:"running"`
	Uptime             time.Duration `json:"uptime"`
	StartTime          time.Time     `json:"start_time"`
	Addr               string        `json:"addr,omitempty"`
	Sessions           int           `json:"sessions"`
	ActiveTransactions int           `json:"active_transactions"`
	AsyncFailures      int64         `json:"async_failures"`
}

// Option customizes a daemon
type Option func(*Daemon)

// WithConfigPath enables hot reload of the given config file.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
	}
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	zl := log.Zerolog()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := tracing.InitOpenTelemetry("txgate-daemon"); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
		zl.Info().Msg("Tracing initialized successfully")
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases whatever New managed to build before failing.
func (d *Daemon) abort() {
	d.cancel()
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules opens the ledger and builds the dispatch pipeline
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.Zerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize audit logger, using stderr")
	}

	store, err := ledger.Open(d.ctx, ledger.Config{
		Path:         d.config.Database.Path,
		MaxOpenConns: d.config.Database.MaxOpenConns,
		BusyTimeout:  d.config.Database.BusyTimeout(),
		LargeBalance: d.config.Database.LargeBalance,
		Logger:       &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	d.store = store
	zl.Info().Str("path", store.Path()).Msg("Ledger opened")

	d.sessions, err = session.NewRegistry(session.RegistryConfig{
		Login:          store.Login,
		ActivityWindow: d.config.Server.ActivityWindowDuration(),
		WatchdogPeriod: d.config.Server.WatchdogPeriodDuration(),
		Logger:         &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	d.interfaces = txn.NewRegistry()
	if err := d.interfaces.Register(store.Interface()); err != nil {
		return fmt.Errorf("failed to register ledger interface: %w", err)
	}

	d.queue = commandqueue.New(commandqueue.Config{
		Workers:   d.config.Server.AsyncWorkers,
		MaxQueued: d.config.Server.AsyncQueueSize,
		Logger:    &zl,
	})
	d.queue.On(commandqueue.EventCompleted, func(e commandqueue.Event) {
		if e.Err != nil {
			d.asyncFailures.Add(1)
		}
	})
	zl.Info().Int("workers", d.config.Server.AsyncWorkers).Msg("Command queue initialized")

	d.async, err = txn.NewAsync(txn.AsyncConfig{
		Manager:    store.Pooled(),
		Interfaces: d.interfaces,
		Queue:      d.queue,
		Logger:     &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create async invoker: %w", err)
	}

	d.dispatcher, err = dispatch.New(dispatch.Config{
		Application: d.config.Server.Application,
		Sessions:    d.sessions,
		Interfaces:  d.interfaces,
		Async:       d.async,
		Logger:      &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return nil
}

// initializeServices builds the listener and the config watcher
func clientLimits(cfg *config.Config) transport.Limits {
	return transport.Limits{
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		MaxConcurrent:     cfg.Server.MaxConcurrent,
	}
}

func (d *Daemon) initializeServices() error {
	var err error
	d.server, err = transport.NewServer(transport.Config{
		Addr:         d.config.Server.Addr(),
		SharedSecret: d.config.Server.SharedSecret,
		Dispatcher:   d.dispatcher,
		Limits:          clientLimits(d.config),
		ShutdownTimeout: d.config.Server.ShutdownTimeoutDuration(),
		Logger:          d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create transport server: %w", err)
	}

	if d.configPath != "" {
		zl := d.logger.Zerolog()
		d.watcher, err = config.NewWatcher(config.WatcherConfig{
			Path:     d.configPath,
			OnChange: d.applyConfig,
			Logger:   &zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
	}
	return nil
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.traceLogger()
	logger.Info().Str("application", d.config.Server.Application).Msg("Starting txgate daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.sessions.Start(); err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start session watchdog: %w", err)
	}

	if err := d.server.Start(); err != nil {
		d.setStopped()
		d.sessions.Stop()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start transport server: %w", err)
	}
	logger.Info().Str("addr", d.server.Addr()).Msg("Transport server started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			logger.Info().Str("path", d.configPath).Msg("Config watcher started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) traceLogger() zerolog.Logger {
	return d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
}

// Stop stops the daemon. The listener goes first so no new work arrives, then
// queued async work drains before sessions are closed and the ledger released.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.traceLogger()
	logger.Info().Msg("Stopping txgate daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if err := d.server.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop transport server")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeoutDuration())
	if err := d.queue.Drain(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Async calls still pending at shutdown, dropping them")
	}
	cancelDrain()
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	d.sessions.Stop()
	d.dispatcher.Close()
	d.sessions.CloseAll()
	logger.Info().Msg("Sessions closed")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close ledger")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.server.Addr()
		status.Sessions = d.sessions.Count()
		status.ActiveTransactions = d.dispatcher.ActiveTransactions()
	}
	status.AsyncFailures = d.asyncFailures.Load()

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Addr returns the address the transport server is bound to.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetStore returns the ledger store
func (d *Daemon) GetStore() *ledger.Store {
	return d.store
}

// GetSessions returns the session registry
func (d *Daemon) GetSessions() *session.Registry {
	return d.sessions
}

// GetDispatcher returns the dispatcher
func (d *Daemon) GetDispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// GetQueue returns the async command queue
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}
