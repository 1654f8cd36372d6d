// Package eventlog persists account events in an append-only SQLite log
// and serves them back through streams, catch-up subscriptions and
// competing-consumer groups.
//
// The log is the durability boundary of the node: an event exists once
// its Append transaction commits, and no subscription observes it
// earlier than that.
package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tally/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Log is an append-only event store backed by SQLite.
type Log struct {
	db       *sql.DB
	clock    ledger.Clock
	newID    func() string
	logger   *slog.Logger
	notifier *notifier
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock used for created_at timestamps.
func WithClock(c ledger.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Log) { l.newID = gen }
}

// WithLogger overrides the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// Open opens or creates the event log at path and brings the schema up
// to date. The returned Log is safe for concurrent use.
func Open(path string, opts ...Option) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open event log: ping: %w", err)
	}

	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn between appenders and readers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	l := &Log{
		db:       db,
		clock:    ledger.SystemClock(),
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:   slog.Default(),
		notifier: newNotifier(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Recorded is an event as stored in the log.
type Recorded struct {
	GlobalSeq int64
	Stream    string
	StreamSeq int64
	EventID   string
	EventType string
	Data      []byte
	CreatedAt time.Time
}

func scanRecorded(rows *sql.Rows) ([]Recorded, error) {
	var out []Recorded
	for rows.Next() {
		var (
			r  Recorded
			ts string
		)
		if err := rows.Scan(&r.GlobalSeq, &r.Stream, &r.StreamSeq, &r.EventID, &r.EventType, &r.Data, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
		r.CreatedAt = parsed
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

const recordedColumns = "global_seq, stream, stream_seq, event_id, event_type, data, created_at"

// Head returns the global sequence of the newest event, 0 when the log
// is empty.
func (l *Log) Head(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	err := l.db.QueryRowContext(ctx, "SELECT MAX(global_seq) FROM events").Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("read log head: %w", err)
	}
	if !head.Valid {
		return 0, nil
	}
	return head.Int64, nil
}
