// Package snapshot persists periodic copies of aggregate state and
// prunes old generations.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/relstore"
)

const defaultRetain = 2

// Store is the persistence surface the janitor needs.
type Store interface {
	SaveSnapshot(ctx context.Context, snap relstore.Snapshot) error
	PruneSnapshots(ctx context.Context, accountID string, retain int) (int64, error)
}

// AccountSource resolves the live aggregate to copy.
type AccountSource interface {
	Load(ctx context.Context, accountID string) (*ledger.Account, error)
}

// Janitor copies aggregate state into the snapshot store and keeps
// only the newest generations per account.
type Janitor struct {
	accounts AccountSource
	store    Store
	retain   int
	logger   *slog.Logger
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithRetain sets how many snapshot generations to keep per account.
func WithRetain(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.retain = n
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(j *Janitor) { j.logger = lg }
}

// NewJanitor builds a Janitor.
func NewJanitor(accounts AccountSource, store Store, opts ...Option) *Janitor {
	j := &Janitor{
		accounts: accounts,
		store:    store,
		retain:   defaultRetain,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// TakeSnapshot copies the account's current state into the store and
// prunes old generations. It reports whether a snapshot was written.
// Pruning failure is logged, never surfaced: the snapshot itself is
// already safe.
func (j *Janitor) TakeSnapshot(ctx context.Context, accountID string) (bool, error) {
	account, err := j.accounts.Load(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("snapshot %s: %w", accountID, err)
	}
	if account.Version() < 0 {
		return false, nil
	}

	snap := relstore.Snapshot{
		AccountID:             accountID,
		LastEventSequence:     account.Version(),
		Balance:               account.Balance(),
		ProcessedTransactions: account.ProcessedTransactions(),
	}
	if err := j.store.SaveSnapshot(ctx, snap); err != nil {
		return false, fmt.Errorf("snapshot %s: %w", accountID, err)
	}

	if pruned, err := j.store.PruneSnapshots(ctx, accountID, j.retain); err != nil {
		j.logger.Warn("snapshot pruning failed", "account", accountID, "error", err)
	} else if pruned > 0 {
		j.logger.Debug("pruned snapshots", "account", accountID, "count", pruned)
	}
	return true, nil
}
