package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/txgate/pkg/dbconn"
)

var (
	// ErrSessionClosed is returned when a call starts on a closed or evicted session.
	ErrSessionClosed = errors.New("session closed")
	// ErrAuth is returned by login hooks on bad credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound is returned when a session id is not registered.
	ErrNotFound = errors.New("session not found")
)

// Credentials are handed to the login hook.
type Credentials struct {
	User     string `json:"user" cbor:"user" mapstructure:"user"`
	Password string `json:"password" cbor:"password" mapstructure:"password"`
	Host     string `json:"host" cbor:"host" mapstructure:"host"`
}

// CheckFunc runs before every invocation and may reject it.
type CheckFunc func(ctx context.Context, user interface{}, iface, method string) error

// Identity is what a successful login produces.
type Identity struct {
	Manager      dbconn.ConnectionManager
	User         interface{}
	LoginDisplay string
	HostDisplay  string
	Check        CheckFunc
}

// LoginFunc authenticates credentials and opens the session's connection manager.
// It fails with ErrAuth on bad credentials.
type LoginFunc func(ctx context.Context, creds Credentials) (*Identity, error)

// Info describes a session for admin listings.
type Info struct {
	ID         string    `json:"id" cbor:"id"`
	OrderID    int64     `json:"order_id" cbor:"order_id"`
	Login      string    `json:"login" cbor:"login"`
	Host       string    `json:"host" cbor:"host"`
	CreatedAt  time.Time `json:"created_at" cbor:"created_at"`
	LastActive time.Time `json:"last_active" cbor:"last_active"`
	InFlight   int       `json:"in_flight" cbor:"in_flight"`
}

// Session binds a client to one connection manager and one identity.
type Session struct {
	orderID   int64
	id        string
	manager   dbconn.ConnectionManager
	user      interface{}
	login     string
	host      string
	check     CheckFunc
	createdAt time.Time
	now       func() time.Time

	lastActive atomic.Int64

	mu       sync.Mutex
	inFlight int
	closed   bool

	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(orderID int64, id string, ident *Identity, now func() time.Time, onClose func(*Session)) *Session {
	s := &Session{
		orderID:   orderID,
		id:        id,
		manager:   ident.Manager,
		user:      ident.User,
		login:     ident.LoginDisplay,
		host:      ident.HostDisplay,
		check:     ident.Check,
		createdAt: now(),
		now:       now,
		onClose:   onClose,
	}
	s.Touch()
	return s
}

// ID returns the opaque session id exposed to clients.
func (s *Session) ID() string {
	return s.id
}

// OrderID returns the monotonically increasing registration number.
func (s *Session) OrderID() int64 {
	return s.orderID
}

// Manager returns the session's connection manager.
func (s *Session) Manager() dbconn.ConnectionManager {
	return s.manager
}

// User returns the opaque identity produced by login.
func (s *Session) User() interface{} {
	return s.user
}

// LoginDisplay returns the login name shown to clients.
func (s *Session) LoginDisplay() string {
	return s.login
}

// HostDisplay returns the host name shown to clients.
func (s *Session) HostDisplay() string {
	return s.host
}

// Check runs the pre-call hook, if any.
func (s *Session) Check(ctx context.Context, iface, method string) error {
	if s.check == nil {
		return nil
	}
	return s.check(ctx, s.user, iface, method)
}

// Touch records activity.
func (s *Session) Touch() {
	s.lastActive.Store(s.now().UnixNano())
}

// LastActive returns the time of the last recorded activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Enter marks the start of a call. It fails with ErrSessionClosed once the
// session has been closed or evicted.
func (s *Session) Enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.inFlight++
	s.Touch()
	return nil
}

// Leave marks the end of a call started with Enter.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
	s.Touch()
}

// Closed reports whether the session no longer admits calls.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()

	return Info{
		ID:         s.id,
		OrderID:    s.orderID,
		Login:      s.login,
		Host:       s.host,
		CreatedAt:  s.createdAt,
		LastActive: s.LastActive(),
		InFlight:   inFlight,
	}
}

// markClosed flips the session to closed. With idleOnly set it refuses when calls
// are in flight. It returns false if nothing changed.
func (s *Session) markClosed(idleOnly bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if idleOnly && s.inFlight > 0 {
		return false
	}
	s.closed = true
	return true
}

// dispose fires the close hook and closes the connection manager, once.
func (s *Session) dispose() error {
	var err error
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose(s)
		}
		if s.manager != nil {
			err = s.manager.Close()
		}
	})
	return err
}
