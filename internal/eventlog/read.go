package eventlog

import (
	"context"
	"fmt"
)

// ReadStream returns the events of stream with revision >= from, in
// revision order. An unknown stream yields an empty slice.
func (l *Log) ReadStream(ctx context.Context, stream string, from int64) ([]Recorded, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+recordedColumns+" FROM events WHERE stream = ? AND stream_seq >= ? ORDER BY stream_seq",
		stream, from,
	)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}
	defer rows.Close()

	out, err := scanRecorded(rows)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}
	return out, nil
}

// ReadAllForward returns up to limit events with global sequence
// strictly greater than after, oldest first. A non-empty typePrefix
// restricts the result to matching event types.
func (l *Log) ReadAllForward(ctx context.Context, after int64, typePrefix string, limit int) ([]Recorded, error) {
	var (
		query = "SELECT " + recordedColumns + " FROM events WHERE global_seq > ?"
		args  = []any{after}
	)
	if typePrefix != "" {
		query += " AND event_type LIKE ?"
		args = append(args, typePrefix+"%")
	}
	query += " ORDER BY global_seq LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read all forward: %w", err)
	}
	defer rows.Close()

	out, err := scanRecorded(rows)
	if err != nil {
		return nil, fmt.Errorf("read all forward: %w", err)
	}
	return out, nil
}

// ReadAllBackward returns up to limit of the newest events, newest
// first. The timeout watcher uses this as a bounded history scan.
func (l *Log) ReadAllBackward(ctx context.Context, limit int) ([]Recorded, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+recordedColumns+" FROM events ORDER BY global_seq DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read all backward: %w", err)
	}
	defer rows.Close()

	out, err := scanRecorded(rows)
	if err != nil {
		return nil, fmt.Errorf("read all backward: %w", err)
	}
	return out, nil
}
