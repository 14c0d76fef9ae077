package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/harun/txgate/internal/observability"
	"github.com/harun/txgate/pkg/dbconn"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	DefaultMaxOpenConns = 16
	DefaultBusyTimeout  = 5 * time.Second
)

// Config holds ledger store configuration
type Config struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
	// LargeBalance is the balance above which a deposit reports an informational
	// fault. Zero disables the warning.
	LargeBalance int64
	Logger       *zerolog.Logger
}

// Store is the sqlite database behind the ledger.
type Store struct {
	db           *sql.DB
	path         string
	largeBalance int64
	logger       zerolog.Logger
	now          func() time.Time
}

// Open opens the database, enables WAL and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultMaxOpenConns
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_txlock=immediate&_foreign_keys=on", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:           db,
		path:         cfg.Path,
		largeBalance: cfg.LargeBalance,
		logger:       logger.With().Str("component", "ledger").Logger(),
		now:          time.Now,
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", cfg.Path).Int("max_open_conns", cfg.MaxOpenConns).Msg("Ledger opened")
	return s, nil
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, s.db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Debug().Int64("version", r.Source.Version).Dur("duration", r.Duration).Msg("Migration applied")
	}
	return nil
}

// Version returns the current schema version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create migration filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, s.db, migrationFS)
	if err != nil {
		return 0, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return provider.GetDBVersion(ctx)
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Pooled returns a pooled connection manager over the store, for async calls.
func (s *Store) Pooled() *dbconn.Pooled {
	return dbconn.NewPooled(s.db)
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
