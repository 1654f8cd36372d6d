package eventlog

import (
	"context"
	"fmt"
	"time"
)

// Proposed is an event to be appended. The id is assigned by the log.
type Proposed struct {
	EventType string
	Data      []byte
}

// Append writes events to the tail of stream in one transaction and
// returns the stream revision of the last event written. Subscribers
// are woken only after the transaction commits.
func (l *Log) Append(ctx context.Context, stream string, events ...Proposed) (int64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("append to %s: no events", stream)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append to %s: begin: %w", stream, err)
	}
	defer tx.Rollback()

	var tail int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(stream_seq), -1) FROM events WHERE stream = ?",
		stream,
	).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("append to %s: read tail: %w", stream, err)
	}

	now := l.clock.Now().Format(time.RFC3339Nano)
	revision := tail
	for _, ev := range events {
		revision++
		_, err = tx.ExecContext(ctx,
			"INSERT INTO events (stream, stream_seq, event_id, event_type, data, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			stream, revision, l.newID(), ev.EventType, ev.Data, now,
		)
		if err != nil {
			return 0, fmt.Errorf("append to %s: insert revision %d: %w", stream, revision, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append to %s: commit: %w", stream, err)
	}

	l.notifier.wake()
	return revision, nil
}

// StreamRevision returns the revision of the newest event in stream,
// -1 when the stream does not exist.
func (l *Log) StreamRevision(ctx context.Context, stream string) (int64, error) {
	var tail int64
	err := l.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(stream_seq), -1) FROM events WHERE stream = ?",
		stream,
	).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("read revision of %s: %w", stream, err)
	}
	return tail, nil
}
