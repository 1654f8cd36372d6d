package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountRow is one read-model row.
type AccountRow struct {
	AccountID     string
	Balance       decimal.Decimal
	LastUpdatedAt time.Time
}

// BalanceOp is one balance mutation derived from a journaled event.
type BalanceOp struct {
	AccountID string
	Amount    decimal.Decimal
}

// FlushBalances applies a projector batch and its checkpoint in one
// transaction: deposits as creating upserts, withdraws as strict
// updates. Withdraws that matched no row are returned so the caller
// can log the divergence; they never fail the flush.
func (s *Store) FlushBalances(ctx context.Context, projection string, deposits, withdraws []BalanceOp, commit, prepare int64) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("flush balances: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	depositSQL := tx.Rebind(
		"INSERT INTO accounts (account_id, balance, last_updated_at) VALUES (?, ?, ?) " +
			"ON CONFLICT(account_id) DO UPDATE SET balance = accounts.balance + excluded.balance, last_updated_at = excluded.last_updated_at")
	for _, op := range deposits {
		if _, err := tx.ExecContext(ctx, depositSQL, op.AccountID, op.Amount, now); err != nil {
			return nil, fmt.Errorf("flush balances: deposit %s: %w", op.AccountID, err)
		}
	}

	var missed []string
	withdrawSQL := tx.Rebind(
		"UPDATE accounts SET balance = balance - ?, last_updated_at = ? WHERE account_id = ?")
	for _, op := range withdraws {
		res, err := tx.ExecContext(ctx, withdrawSQL, op.Amount, now, op.AccountID)
		if err != nil {
			return nil, fmt.Errorf("flush balances: withdraw %s: %w", op.AccountID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			missed = append(missed, op.AccountID)
		}
	}

	checkpointSQL := tx.Rebind(
		"INSERT INTO projection_checkpoints (projection_name, last_commit, last_prepare) VALUES (?, ?, ?) " +
			"ON CONFLICT(projection_name) DO UPDATE SET last_commit = excluded.last_commit, last_prepare = excluded.last_prepare")
	if _, err := tx.ExecContext(ctx, checkpointSQL, projection, commit, prepare); err != nil {
		return nil, fmt.Errorf("flush balances: checkpoint %s: %w", projection, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("flush balances: commit: %w", err)
	}
	return missed, nil
}

// Account returns the read-model row for an account id, nil when the
// projector has not materialised it yet.
func (s *Store) Account(ctx context.Context, accountID string) (*AccountRow, error) {
	query := s.db.Rebind("SELECT account_id, balance, last_updated_at FROM accounts WHERE account_id = ?")

	var (
		row AccountRow
		ts  string
	)
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(&row.AccountID, &row.Balance, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account %s: %w", accountID, err)
	}

	row.LastUpdatedAt, err = parseStoredTime(ts)
	if err != nil {
		return nil, fmt.Errorf("read account %s: %w", accountID, err)
	}
	return &row, nil
}
