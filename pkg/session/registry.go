package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/txgate/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultActivityWindow = 10 * time.Minute
	DefaultWatchdogPeriod = 30 * time.Second

	sessionIDSize = 32
)

// ClosedListener is notified when a session is closed, explicitly or by eviction.
type ClosedListener func(s *Session)

// RegistryConfig holds registry configuration
type RegistryConfig struct {
	Login          LoginFunc
	ActivityWindow time.Duration
	WatchdogPeriod time.Duration
	Logger         *zerolog.Logger
	Now            func() time.Time
}

// Registry maps session ids to live sessions.
type Registry struct {
	login  LoginFunc
	logger zerolog.Logger
	now    func() time.Time
	period time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session
	nextOrder int64
	window    time.Duration
	closed    bool

	listenersMu sync.RWMutex
	listeners   []ClosedListener

	watchdogMu sync.Mutex
	watchdog   *cron.Cron
}

// NewRegistry creates a new session registry
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.Login == nil {
		return nil, fmt.Errorf("login hook is required")
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = DefaultActivityWindow
	}
	if cfg.WatchdogPeriod <= 0 {
		cfg.WatchdogPeriod = DefaultWatchdogPeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Registry{
		login:    cfg.Login,
		logger:   logger.With().Str("component", "session_registry").Logger(),
		now:      cfg.Now,
		period:   cfg.WatchdogPeriod,
		sessions: make(map[string]*Session),
		window:   cfg.ActivityWindow,
	}, nil
}

// validateSessionID validates a client-supplied session id
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("session id too long")
	}
	if strings.ContainsAny(id, "/\\\x00 ") {
		return fmt.Errorf("session id contains invalid characters")
	}
	return nil
}

// Open logs in, registers a new session and returns it. A clientID from an earlier
// session is reused when it is valid and not live; otherwise a fresh id is generated.
// Login failures never register anything.
func (r *Registry) Open(ctx context.Context, creds Credentials, clientID string) (*Session, error) {
	ident, err := r.login(ctx, creds)
	if err != nil {
		r.logger.Warn().Str("user", creds.User).Str("host", creds.Host).Err(err).Msg("Login failed")
		return nil, fmt.Errorf("login failed for %q: %w", creds.User, err)
	}
	if ident == nil || ident.Manager == nil {
		return nil, fmt.Errorf("login for %q produced no connection manager", creds.User)
	}
	if ident.LoginDisplay == "" {
		ident.LoginDisplay = creds.User
	}
	if ident.HostDisplay == "" {
		ident.HostDisplay = creds.Host
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ident.Manager.Close()
		return nil, fmt.Errorf("registry is closed")
	}

	id := clientID
	if id != "" {
		if err := validateSessionID(id); err != nil {
			r.logger.Debug().Str("client_id", id).Err(err).Msg("Ignoring client-supplied session id")
			id = ""
		} else if _, live := r.sessions[id]; live {
			id = ""
		}
	}
	if id == "" {
		for {
			id, err = gonanoid.New(sessionIDSize)
			if err != nil {
				r.mu.Unlock()
				_ = ident.Manager.Close()
				return nil, fmt.Errorf("failed to generate session id: %w", err)
			}
			if _, taken := r.sessions[id]; !taken {
				break
			}
		}
	}

	r.nextOrder++
	s := newSession(r.nextOrder, id, ident, r.now, r.fireClosed)
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	observability.RecordSessionOpened()
	observability.SetActiveSessions(count)

	r.logger.Info().
		Str("session_id", id).
		Int64("order_id", s.orderID).
		Str("user", s.login).
		Str("host", s.host).
		Msg("Session opened")

	return s, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// End removes the session and closes it. Ending an already ended session is a no-op.
func (r *Registry) End(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !s.markClosed(false) {
		return
	}
	observability.SetActiveSessions(count)
	r.dispose(s, "ended")
}

// Kill ends the session with the given id.
func (r *Registry) Kill(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.End(s)
	return nil
}

// Sweep evicts every idle session whose last activity is at least one activity
// window old. It returns the number of sessions evicted.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	window := r.window
	var evicted []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastActive()) < window {
			continue
		}
		if !s.markClosed(true) {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, s)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}

	observability.SetActiveSessions(count)
	for _, s := range evicted {
		observability.RecordSessionEvicted()
		r.logger.Info().
			Str("session_id", s.id).
			Dur("idle", now.Sub(s.LastActive())).
			Msg("Evicting inactive session")
		r.dispose(s, "evicted")
	}

	return len(evicted)
}

// dispose closes a session that has already left the table. Errors are logged:
// the physical resource is gone either way.
func (r *Registry) dispose(s *Session, reason string) {
	if err := s.dispose(); err != nil {
		r.logger.Warn().
			Str("session_id", s.id).
			Str("reason", reason).
			Err(err).
			Msg("Error while closing session")
		return
	}
	r.logger.Debug().Str("session_id", s.id).Str("reason", reason).Msg("Session closed")
}

// OnClosed registers a listener fired for every closed session.
func (r *Registry) OnClosed(listener ClosedListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	r.listeners = append(r.listeners, listener)
}

func (r *Registry) fireClosed(s *Session) {
	r.listenersMu.RLock()
	listeners := make([]ClosedListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(s)
	}
}

// List returns all live sessions ordered by registration.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].OrderID < infos[j].OrderID
	})
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActivityWindow returns the current inactivity threshold.
func (r *Registry) ActivityWindow() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window
}

// SetActivityWindow changes the inactivity threshold used by later sweeps.
func (r *Registry) SetActivityWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	r.mu.Lock()
	old := r.window
	r.window = window
	r.mu.Unlock()

	r.logger.Info().Dur("old", old).Dur("new", window).Msg("Activity window updated")
}

// CloseAll ends every session and refuses new ones.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if s.markClosed(false) {
			r.dispose(s, "shutdown")
		}
	}
	observability.SetActiveSessions(0)

	r.logger.Info().Int("sessions", len(sessions)).Msg("All sessions closed")
}
