// Package relstore is the relational adapter behind the read model,
// snapshots, checkpoints and the idempotency table. It speaks both
// SQLite and PostgreSQL through sqlx with a portable SQL subset.
package relstore

import (
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tally/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout keeps a fixed fractional width so stored timestamps order
// lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a relational store handle bound to one database.
type Store struct {
	db     *sqlx.DB
	driver string
	clock  ledger.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for row timestamps.
func WithClock(c ledger.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(s *Store) { s.logger = lg }
}

// Open connects to the database named by driver ("sqlite3" or
// "postgres") and dsn, and ensures the schema exists.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open relational store: ping: %w", err)
	}

	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("open relational store: apply pragma %q: %w", p, err)
			}
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("open relational store: apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		clock:  ledger.SystemClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close relational store: %w", err)
	}
	return nil
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(timeLayout)
}

func parseStoredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}
	return t, nil
}
