package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/harun/txgate/internal/observability"
	"github.com/harun/txgate/pkg/fault"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPingDivisor  = 2
	DefaultOpenAttempts = 5

	closeTimeout = 5 * time.Second
)

var (
	// ErrClosed is returned once Safe.Close has run.
	ErrClosed = errors.New("client closed")
	// ErrUnusable is returned after a serialization fault until Reopen succeeds.
	ErrUnusable = errors.New("client unusable after serialization failure")
	// ErrNoSession is returned by a pass-through Safe whose session is gone.
	ErrNoSession = errors.New("no session and no producer to open one")
)

// Producer opens a fresh session.
type Producer func(ctx context.Context) (*Remote, error)

// Supplier returns the current target of a wrapped handle.
type Supplier func(ctx context.Context) (Invoker, error)

// SafeConfig holds resilient wrapper configuration
type SafeConfig struct {
	// Producer reopens the session after a reset. Without it the wrapper passes calls
	// through to Remote and never reconnects.
	Producer Producer
	Remote   *Remote
	// OnError receives background ping failures.
	OnError func(error)
	// ActivityWindow is the server's eviction window; a positive value starts a pinger.
	ActivityWindow time.Duration
	PingDivisor    int
	// Backoff paces producer retries. Defaults to exponential.
	Backoff      backoff.BackOff
	OpenAttempts uint
	Logger       *zerolog.Logger
}

// Safe presents one stable client over sessions that may be torn down and reopened.
// Every non-informational fault discards the session and bumps the reset counter;
// handles built on an older counter value are rebuilt on next use. A failure from a
// call that began before the latest reset is not held against the newer session.
type Safe struct {
	producer     Producer
	onError      func(error)
	backoff      func() backoff.BackOff
	openAttempts uint
	logger       zerolog.Logger

	resets atomic.Int64

	mu     sync.Mutex
	remote *Remote
	broken error
	closed bool

	pinger    *Pinger
	closeOnce sync.Once
}

// NewSafe creates a resilient wrapper and starts its pinger when configured.
func NewSafe(cfg SafeConfig) (*Safe, error) {
	if cfg.Producer == nil && cfg.Remote == nil {
		return nil, fmt.Errorf("producer or remote is required")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.OpenAttempts == 0 {
		cfg.OpenAttempts = DefaultOpenAttempts
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) {
			logger.Warn().Err(err).Msg("Background ping failed")
		}
	}

	s := &Safe{
		producer:     cfg.Producer,
		onError:      cfg.OnError,
		openAttempts: cfg.OpenAttempts,
		remote:       cfg.Remote,
		logger:       logger.With().Str("component", "safe_client").Logger(),
		backoff: func() backoff.BackOff {
			if cfg.Backoff != nil {
				cfg.Backoff.Reset()
				return cfg.Backoff
			}
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}

	if cfg.ActivityWindow > 0 {
		s.pinger = NewPinger(s, cfg.ActivityWindow, cfg.PingDivisor, cfg.OnError)
		s.pinger.Start()
	}
	return s, nil
}

// Resets returns the reset counter.
func (s *Safe) Resets() int64 {
	return s.resets.Load()
}

// Remote returns the current session, opening one through the producer if needed.
func (s *Safe) Remote(ctx context.Context) (*Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteLocked(ctx)
}

func (s *Safe) remoteLocked(ctx context.Context) (*Remote, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusable, s.broken)
	}
	if s.remote != nil {
		return s.remote, nil
	}
	if s.producer == nil {
		return nil, ErrNoSession
	}

	attempt := 0
	remote, err := backoff.Retry(ctx, func() (*Remote, error) {
		attempt++
		r, err := s.producer(ctx)
		if err == nil {
			return r, nil
		}
		if permanentOpenFailure(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxTries(s.openAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", d).Msg("Reopening session")
		}),
	)
	if err != nil {
		s.logger.Warn().Err(err).Int("attempts", attempt).Msg("Failed to open session")
		return nil, err
	}

	s.remote = remote
	s.logger.Info().Str("session_id", remote.ID()).Int64("resets", s.resets.Load()).Msg("Session opened")
	return remote, nil
}

// permanentOpenFailure reports open errors that retrying cannot fix.
func permanentOpenFailure(err error) bool {
	return fault.IsProtocol(err, fault.CodeAuthFailed) ||
		fault.IsProtocol(err, fault.CodeWrongApplication) ||
		fault.IsSerialization(err)
}

// Reset discards the current session. A pass-through wrapper keeps its session.
func (s *Safe) Reset(reason error) {
	s.reset(-1, reason)
}

// reset discards the current session. A non-negative gen is the reset counter the
// failing call started under; when a reset happened since, the failure belongs to a
// session already discarded and the current one is kept.
func (s *Safe) reset(gen int64, reason error) {
	if s.producer == nil {
		return
	}

	s.mu.Lock()
	if gen >= 0 && s.resets.Load() != gen {
		s.mu.Unlock()
		s.logger.Debug().Err(reason).Int64("gen", gen).Msg("Failure on a discarded session ignored")
		return
	}
	old := s.remote
	s.remote = nil
	s.resets.Add(1)
	if fault.IsSerialization(reason) {
		s.broken = reason
	}
	s.mu.Unlock()

	observability.RecordClientReset()
	event := s.logger.Info()
	if old != nil {
		event = event.Str("session_id", old.ID())
	}
	event.Err(reason).Int64("resets", s.Resets()).Msg("Session reset")

	if old != nil {
		s.closeQuietly(old)
	}
}

func (s *Safe) closeQuietly(r *Remote) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		s.logger.Debug().Err(err).Str("session_id", r.ID()).Msg("Close of discarded session failed")
	}
}

// observe decides what the error of a call started at reset counter gen means for
// the session.
func (s *Safe) observe(gen int64, err error) {
	if err == nil || fault.IsInformational(err) || fault.IsProtocol(err, fault.CodeUnencodable) {
		return
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrUnusable) || errors.Is(err, ErrNoSession) {
		return
	}
	s.reset(gen, err)
}

// Reopen clears an unusable state and opens a fresh session.
func (s *Safe) Reopen(ctx context.Context) (*Remote, error) {
	s.mu.Lock()
	old := s.remote
	s.remote = nil
	s.broken = nil
	if old != nil {
		s.resets.Add(1)
	}
	r, err := s.remoteLocked(ctx)
	s.mu.Unlock()

	if old != nil {
		s.closeQuietly(old)
	}
	return r, err
}

// Wrap returns a handle that resolves its target on every call and resets the session
// when a call fails with anything but an informational fault. A request that could
// not be encoded never reached the session and leaves it alone.
func (s *Safe) Wrap(iface string, supplier Supplier) Invoker {
	return InvokerFunc(func(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
		gen := s.Resets()
		target, err := supplier(ctx)
		if err != nil {
			s.observe(gen, err)
			return nil, err
		}
		result, err := target.Invoke(ctx, method, args...)
		if err != nil {
			s.logger.Debug().Str("iface", iface).Str("method", method).Err(err).Msg("Wrapped call failed")
		}
		s.observe(gen, err)
		return result, err
	})
}

// Ping pings the current session, if any. A failed ping resets it.
func (s *Safe) Ping(ctx context.Context) error {
	s.mu.Lock()
	remote := s.remote
	gen := s.resets.Load()
	s.mu.Unlock()
	if remote == nil {
		return nil
	}

	err := remote.Ping(ctx)
	s.observe(gen, err)
	return err
}

// Close stops the pinger and closes the session, once.
func (s *Safe) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.pinger != nil {
			s.pinger.Stop()
		}

		s.mu.Lock()
		remote := s.remote
		s.remote = nil
		s.closed = true
		s.mu.Unlock()

		if remote != nil {
			err = remote.Close(ctx)
		}
	})
	return err
}
