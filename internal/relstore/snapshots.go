package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time copy of an aggregate's state keyed by
// the last stream revision it covers.
type Snapshot struct {
	AccountID             string
	LastEventSequence     int64
	Balance               decimal.Decimal
	ProcessedTransactions []string
	CreatedAt             time.Time
}

// SaveSnapshot upserts a snapshot under its (account, sequence) key.
// Re-saving the same key is a harmless overwrite, so a replayed
// snapshot tick cannot fail here.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	processed := snap.ProcessedTransactions
	if processed == nil {
		processed = []string{}
	}
	encoded, err := json.Marshal(processed)
	if err != nil {
		return fmt.Errorf("save snapshot %s@%d: encode processed set: %w", snap.AccountID, snap.LastEventSequence, err)
	}

	query := s.db.Rebind(
		"INSERT INTO account_snapshots (account_id, last_event_sequence, balance, processed_transactions, created_at) VALUES (?, ?, ?, ?, ?) " +
			"ON CONFLICT(account_id, last_event_sequence) DO UPDATE SET balance = excluded.balance, processed_transactions = excluded.processed_transactions, created_at = excluded.created_at")
	_, err = s.db.ExecContext(ctx, query,
		snap.AccountID, snap.LastEventSequence, snap.Balance, string(encoded), s.now())
	if err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", snap.AccountID, snap.LastEventSequence, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for an account, nil when
// none exists.
func (s *Store) LatestSnapshot(ctx context.Context, accountID string) (*Snapshot, error) {
	query := s.db.Rebind(
		"SELECT account_id, last_event_sequence, balance, processed_transactions, created_at FROM account_snapshots " +
			"WHERE account_id = ? ORDER BY last_event_sequence DESC LIMIT 1")

	var (
		snap    Snapshot
		encoded string
		ts      string
	)
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&snap.AccountID, &snap.LastEventSequence, &snap.Balance, &encoded, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot for %s: %w", accountID, err)
	}

	if err := json.Unmarshal([]byte(encoded), &snap.ProcessedTransactions); err != nil {
		return nil, fmt.Errorf("read snapshot for %s: decode processed set: %w", accountID, err)
	}
	snap.CreatedAt, err = parseStoredTime(ts)
	if err != nil {
		return nil, fmt.Errorf("read snapshot for %s: %w", accountID, err)
	}
	return &snap, nil
}

// PruneSnapshots deletes all but the newest retain snapshots of an
// account and reports how many rows went.
func (s *Store) PruneSnapshots(ctx context.Context, accountID string, retain int) (int64, error) {
	query := s.db.Rebind(
		"DELETE FROM account_snapshots WHERE account_id = ? AND last_event_sequence NOT IN (" +
			"SELECT last_event_sequence FROM account_snapshots WHERE account_id = ? ORDER BY last_event_sequence DESC LIMIT ?)")
	res, err := s.db.ExecContext(ctx, query, accountID, accountID, retain)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots for %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots for %s: count: %w", accountID, err)
	}
	return n, nil
}
