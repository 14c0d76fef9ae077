package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/txgate/internal/observability"
	"github.com/harun/txgate/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultWorkers   = 4
	DefaultMaxQueued = 256
	DefaultDedupTTL  = 5 * time.Minute

	drainPoll = 20 * time.Millisecond
)

var (
	// ErrQueueFull is returned when a lane already holds MaxQueued waiting tasks.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned when submitting to a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrDuplicate is returned when a task key was already submitted.
	ErrDuplicate = errors.New("duplicate task")
)

// Task is a unit of fire-and-forget work. Its error is logged and reported
// through EventCompleted, never returned to the submitter.
type Task func(ctx context.Context) error

// TaskOptions tunes one submission.
type TaskOptions struct {
	// Key makes the submission idempotent while the key is remembered.
	Key string
}

// Config holds queue configuration
type Config struct {
	// Workers is the default per-lane concurrency.
	Workers   int
	MaxQueued int
	DedupTTL  time.Duration
	Logger    *zerolog.Logger
}

// EventType names a queue event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
	EventDropped   EventType = "dropped"
)

// Event reports a task moving through a lane.
type Event struct {
	Type      EventType
	Lane      string
	TaskID    string
	QueueSize int
	// Duration and Err are set on EventCompleted.
	Duration time.Duration
	Err      error
	// Reason is set on EventDropped.
	Reason string
}

// EventHandler receives queue events. Handlers run on queue goroutines and must not block.
type EventHandler func(event Event)

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued  int
	Running int
	Limit   int
}

type job struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
}

type lane struct {
	name    string
	mu      sync.Mutex
	limit   int
	waiting []*job
	running int
}

func (l *lane) stats() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LaneStats{Queued: len(l.waiting), Running: l.running, Limit: l.limit}
}

// CommandQueue runs submitted tasks on named lanes, each with its own
// concurrency limit and bounded FIFO backlog.
type CommandQueue struct {
	workers   int
	maxQueued int
	logger    zerolog.Logger
	dedup     *dedupCache
	seq       atomic.Uint64

	mu     sync.RWMutex
	lanes  map[string]*lane
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[EventType][]EventHandler
}

// New creates a new CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		workers:   cfg.Workers,
		maxQueued: cfg.MaxQueued,
		logger:    logger.With().Str("component", "commandqueue").Logger(),
		dedup:     newDedupCache(ctx, cfg.DedupTTL),
		lanes:     make(map[string]*lane),
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[EventType][]EventHandler),
	}
}

// lane returns the named lane, creating it with the default limit.
func (cq *CommandQueue) lane(name string) (*lane, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, ErrClosed
	}
	l, ok := cq.lanes[name]
	if !ok {
		l = &lane{name: name, limit: cq.workers}
		cq.lanes[name] = l
		cq.logger.Debug().Str("lane", name).Int("limit", cq.workers).Msg("Lane created")
	}
	return l, nil
}

func (cq *CommandQueue) isClosed() bool {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	return cq.closed
}

// Submit queues task on the named lane and returns its id without waiting for it.
// The task runs under a context detached from ctx that keeps its tracing values.
func (cq *CommandQueue) Submit(ctx context.Context, laneName string, task Task, opts *TaskOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "txgate.commandqueue", "commandqueue.submit", attribute.String("lane", laneName))
	defer span.End()

	l, err := cq.lane(laneName)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	id := fmt.Sprintf("%s-%d", laneName, cq.seq.Add(1))
	var key string
	if opts != nil {
		key = opts.Key
	}
	if key != "" {
		if first, ok := cq.dedup.Claim(key, id); !ok {
			cq.logger.Debug().Str("lane", laneName).Str("key", key).Str("task_id", first).Msg("Duplicate task ignored")
			return first, ErrDuplicate
		}
	}

	j := &job{id: id, task: task, ctx: tracing.Detach(ctx), enqueuedAt: time.Now()}

	l.mu.Lock()
	if cq.isClosed() {
		l.mu.Unlock()
		return "", ErrClosed
	}
	if len(l.waiting) >= cq.maxQueued {
		l.mu.Unlock()
		cq.dedup.Forget(key)
		span.SetStatus(codes.Error, ErrQueueFull.Error())
		cq.logger.Warn().Str("lane", laneName).Int("max_queued", cq.maxQueued).Msg("Task rejected, lane full")
		return "", fmt.Errorf("%w: lane %s holds %d tasks", ErrQueueFull, laneName, cq.maxQueued)
	}
	l.waiting = append(l.waiting, j)
	queued := len(l.waiting)
	l.mu.Unlock()

	logger := tracing.LoggerFromContext(j.ctx, cq.logger)
	logger.Debug().
		Str("lane", laneName).
		Str("task_id", id).
		Int("queued", queued).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneName, queued)
	cq.emit(Event{Type: EventEnqueued, Lane: laneName, TaskID: id, QueueSize: queued})

	cq.pump(l)
	return id, nil
}

// pump starts waiting jobs while the lane is under its limit. Checking closed
// under the lane lock keeps wg.Add ahead of the wait in Close.
func (cq *CommandQueue) pump(l *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cq.isClosed() {
		return
	}
	for l.running < l.limit && len(l.waiting) > 0 {
		j := l.waiting[0]
		l.waiting[0] = nil
		l.waiting = l.waiting[1:]
		l.running++

		cq.wg.Add(1)
		go cq.run(l, j)
	}
}

func (cq *CommandQueue) run(l *lane, j *job) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(j.ctx, "txgate.commandqueue", "commandqueue.run",
		attribute.String("lane", l.name),
		attribute.String("task_id", j.id),
	)
	defer span.End()

	// Close cancels running tasks.
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", l.name).Str("task_id", j.id).Logger()
	logger.Debug().Dur("waited", time.Since(j.enqueuedAt)).Msg("Task started")

	start := time.Now()
	err := safeRun(ctx, j.task)
	elapsed := time.Since(start)

	l.mu.Lock()
	l.running--
	queued := len(l.waiting)
	l.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", elapsed).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", elapsed).Msg("Task completed")
	}

	observability.RecordQueueCompletion(l.name, elapsed, err == nil, queued)
	cq.emit(Event{Type: EventCompleted, Lane: l.name, TaskID: j.id, QueueSize: queued, Duration: elapsed, Err: err})

	cq.pump(l)
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Stats returns a snapshot of every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, l := range cq.lanes {
		stats[name] = l.stats()
	}
	return stats
}

// SetLimit changes how many tasks the named lane runs at once. Raising the
// limit starts waiting tasks immediately; lowering it lets running ones finish.
func (cq *CommandQueue) SetLimit(laneName string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("lane limit must be positive, got %d", limit)
	}
	l, err := cq.lane(laneName)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev := l.limit
	l.limit = limit
	l.mu.Unlock()

	cq.logger.Info().Str("lane", laneName).Int("from", prev).Int("to", limit).Msg("Lane limit changed")
	if limit > prev {
		cq.pump(l)
	}
	return nil
}

// idle reports whether no lane has waiting or running tasks.
func (cq *CommandQueue) idle() bool {
	for _, s := range cq.Stats() {
		if s.Queued > 0 || s.Running > 0 {
			return false
		}
	}
	return true
}

// Drain waits until every lane is idle or ctx ends. It does not stop new
// submissions; callers that need that stop submitting first.
func (cq *CommandQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for !cq.idle() {
		select {
		case <-ctx.Done():
			cq.logger.Warn().Interface("lanes", cq.Stats()).Msg("Queue did not drain in time")
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close refuses new tasks, drops waiting ones, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*lane, 0, len(cq.lanes))
	for _, l := range cq.lanes {
		lanes = append(lanes, l)
	}
	cq.mu.Unlock()

	for _, l := range lanes {
		l.mu.Lock()
		dropped := l.waiting
		l.waiting = nil
		l.mu.Unlock()

		for _, j := range dropped {
			cq.logger.Warn().Str("lane", l.name).Str("task_id", j.id).Msg("Task dropped, queue closed")
			cq.emit(Event{Type: EventDropped, Lane: l.name, TaskID: j.id, Reason: "queue closed"})
		}
		observability.SetQueueSize(l.name, 0)
	}

	cq.cancel()
	cq.dedup.Stop()
	cq.wg.Wait()
	return nil
}

// On registers handler for events of type t.
func (cq *CommandQueue) On(t EventType, handler EventHandler) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	cq.handlers[t] = append(cq.handlers[t], handler)
}

// Off removes every handler for events of type t.
func (cq *CommandQueue) Off(t EventType) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	delete(cq.handlers, t)
}

func (cq *CommandQueue) emit(event Event) {
	cq.handlersMu.RLock()
	handlers := cq.handlers[event.Type]
	cq.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
