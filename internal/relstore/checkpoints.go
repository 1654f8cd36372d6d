package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoint is a stored global log position.
type Checkpoint struct {
	Commit  int64
	Prepare int64
}

// ProjectionCheckpoint returns the stored position of a projection,
// nil when it has never flushed.
func (s *Store) ProjectionCheckpoint(ctx context.Context, name string) (*Checkpoint, error) {
	return s.readCheckpoint(ctx,
		"SELECT last_commit, last_prepare FROM projection_checkpoints WHERE projection_name = ?", name)
}

// SagaCheckpoint returns the stored position of a saga, nil when it
// has never acknowledged.
func (s *Store) SagaCheckpoint(ctx context.Context, name string) (*Checkpoint, error) {
	return s.readCheckpoint(ctx,
		"SELECT last_commit, last_prepare FROM saga_checkpoints WHERE saga_name = ?", name)
}

// SaveSagaCheckpoint upserts a saga's position.
func (s *Store) SaveSagaCheckpoint(ctx context.Context, name string, commit, prepare int64) error {
	query := s.db.Rebind(
		"INSERT INTO saga_checkpoints (saga_name, last_commit, last_prepare) VALUES (?, ?, ?) " +
			"ON CONFLICT(saga_name) DO UPDATE SET last_commit = excluded.last_commit, last_prepare = excluded.last_prepare")
	if _, err := s.db.ExecContext(ctx, query, name, commit, prepare); err != nil {
		return fmt.Errorf("save saga checkpoint %s: %w", name, err)
	}
	return nil
}

func (s *Store) readCheckpoint(ctx context.Context, query, name string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, s.db.Rebind(query), name).Scan(&cp.Commit, &cp.Prepare)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	return &cp, nil
}
