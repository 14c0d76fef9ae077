package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/txgate/pkg/dbconn"
	"github.com/harun/txgate/pkg/session"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserExists is returned when creating a login that is already taken.
var ErrUserExists = errors.New("user already exists")

// User is the identity a ledger session carries.
type User struct {
	ID    int64  `json:"id" mapstructure:"id"`
	Login string `json:"login" mapstructure:"login"`
	Admin bool   `json:"admin" mapstructure:"admin"`
}

// CreateUser stores a login with a bcrypt hash of its password.
func (s *Store) CreateUser(ctx context.Context, login, password string, admin bool) (*User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, fmt.Errorf("login cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (login, password_hash, admin, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(login) DO NOTHING",
		login, string(hash), admin, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, login)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}

	s.logger.Info().Str("login", login).Bool("admin", admin).Msg("User created")
	return &User{ID: id, Login: login, Admin: admin}, nil
}

// SetPassword replaces a user's password.
func (s *Store) SetPassword(ctx context.Context, login, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE users SET password_hash = ? WHERE login = ?", string(hash), login)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s not found", login)
	}
	return nil
}

func (s *Store) authenticate(ctx context.Context, login, password string) (*User, error) {
	var (
		u    User
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, login, password_hash, admin FROM users WHERE login = ?", login,
	).Scan(&u.ID, &u.Login, &hash, &u.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown user %s", session.ErrAuth, login)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: bad password for %s", session.ErrAuth, login)
	}
	return &u, nil
}

// Login is the session login hook. Each session gets its own physical connection.
func (s *Store) Login(ctx context.Context, creds session.Credentials) (*session.Identity, error) {
	u, err := s.authenticate(ctx, creds.User, creds.Password)
	if err != nil {
		s.logger.Debug().Str("login", creds.User).Err(err).Msg("Login refused")
		return nil, err
	}

	manager, err := dbconn.NewSingle(ctx, s.db)
	if err != nil {
		return nil, err
	}

	host := creds.Host
	if host == "" {
		host = "unknown"
	}
	return &session.Identity{
		Manager:      manager,
		User:         u,
		LoginDisplay: u.Login,
		HostDisplay:  host,
		Check:        check,
	}, nil
}

// check rejects admin-only methods for regular users.
func check(ctx context.Context, user interface{}, iface, method string) error {
	if iface != InterfaceName {
		return nil
	}
	if _, adminOnly := adminMethods[method]; !adminOnly {
		return nil
	}
	u, ok := user.(*User)
	if !ok || !u.Admin {
		return fmt.Errorf("%s.%s requires an admin login", iface, method)
	}
	return nil
}
