package relstore

import (
	"context"
	"fmt"
	"time"
)

// Step is one stage of a transfer's life recorded in the idempotency
// table.
type Step string

const (
	StepInit         Step = "INIT"
	StepComplete     Step = "COMPLETE"
	StepCompensation Step = "COMPENSATION"
)

// StageRecord is one recorded (step, time) pair for a transaction.
type StageRecord struct {
	Step        Step
	ProcessedAt time.Time
}

// TryMarkProcessed inserts the (transaction, step) row and reports
// whether this call won the insert. Losing the race is the expected
// signal for a duplicate attempt, not an error.
func (s *Store) TryMarkProcessed(ctx context.Context, transactionID string, step Step) (bool, error) {
	query := s.db.Rebind(
		"INSERT INTO processed_transactions (transaction_id, step, processed_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING")
	res, err := s.db.ExecContext(ctx, query, transactionID, string(step), s.now())
	if err != nil {
		return false, fmt.Errorf("mark %s/%s processed: %w", transactionID, step, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark %s/%s processed: rows affected: %w", transactionID, step, err)
	}
	return n > 0, nil
}

// StagesByTransaction returns the recorded steps of a transaction in
// processing order.
func (s *Store) StagesByTransaction(ctx context.Context, transactionID string) ([]StageRecord, error) {
	query := s.db.Rebind(
		"SELECT step, processed_at FROM processed_transactions WHERE transaction_id = ? ORDER BY processed_at, step")
	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("read stages of %s: %w", transactionID, err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var (
			rec StageRecord
			ts  string
		)
		if err := rows.Scan(&rec.Step, &ts); err != nil {
			return nil, fmt.Errorf("read stages of %s: scan: %w", transactionID, err)
		}
		rec.ProcessedAt, err = parseStoredTime(ts)
		if err != nil {
			return nil, fmt.Errorf("read stages of %s: %w", transactionID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stages of %s: %w", transactionID, err)
	}
	return out, nil
}

// TimeoutTransactions returns transaction ids whose INIT row is older
// than cutoff and which never reached COMPLETE or COMPENSATION.
func (s *Store) TimeoutTransactions(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := s.db.Rebind(
		"SELECT t1.transaction_id FROM processed_transactions t1 " +
			"LEFT JOIN processed_transactions t2 ON t1.transaction_id = t2.transaction_id AND t2.step IN (?, ?) " +
			"WHERE t1.step = ? AND t1.processed_at < ? AND t2.transaction_id IS NULL " +
			"ORDER BY t1.processed_at")
	rows, err := s.db.QueryContext(ctx, query,
		string(StepComplete), string(StepCompensation), string(StepInit),
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("find timeout transactions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("find timeout transactions: scan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find timeout transactions: %w", err)
	}
	return out, nil
}

// DeleteOldRecords removes idempotency rows older than cutoff and
// reports how many went.
func (s *Store) DeleteOldRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind("DELETE FROM processed_transactions WHERE processed_at < ?")
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("delete old idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old idempotency records: count: %w", err)
	}
	return n, nil
}
