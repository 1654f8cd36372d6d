// Package aggregate rebuilds account state from snapshots and the
// event log, and caches the live instances the apply stage mutates.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tally/internal/codec"
	"github.com/roach88/tally/internal/eventlog"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/relstore"
)

const defaultReadTimeout = 5 * time.Second

// EventReader reads one stream of the event log.
type EventReader interface {
	ReadStream(ctx context.Context, stream string, from int64) ([]eventlog.Recorded, error)
}

// SnapshotReader resolves the newest snapshot of an account.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, accountID string) (*relstore.Snapshot, error)
}

// Loader resolves aggregates through three strategies in order: the
// in-memory cache, snapshot plus tail replay, full replay.
//
// Returned aggregates are the canonical live instances. Only the apply
// stage may mutate them; it is single-threaded, which is what makes
// the pointer hand-out safe.
type Loader struct {
	mu    sync.Mutex
	cache map[string]*ledger.Account

	events      EventReader
	snapshots   SnapshotReader
	readTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithReadTimeout bounds one replay's log reads.
func WithReadTimeout(d time.Duration) Option {
	return func(l *Loader) { l.readTimeout = d }
}

// WithLogger overrides the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) { l.logger = lg }
}

// NewLoader builds a Loader over the given event and snapshot readers.
func NewLoader(events EventReader, snapshots SnapshotReader, opts ...Option) *Loader {
	l := &Loader{
		cache:       make(map[string]*ledger.Account),
		events:      events,
		snapshots:   snapshots,
		readTimeout: defaultReadTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the aggregate for accountID, rebuilding it if it is not
// cached. A log-read failure degrades to the best state already in
// hand (snapshot or fresh) without caching it, so the next load
// retries; a decode or fold failure is an error because the log
// content itself is suspect.
func (l *Loader) Load(ctx context.Context, accountID string) (*ledger.Account, error) {
	l.mu.Lock()
	if cached, ok := l.cache[accountID]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	account, complete, err := l.rebuild(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if complete {
		l.mu.Lock()
		// Another goroutine may have rebuilt concurrently; keep the
		// first instance so pointer identity stays stable.
		if cached, ok := l.cache[accountID]; ok {
			account = cached
		} else {
			l.cache[accountID] = account
		}
		l.mu.Unlock()
	}
	return account, nil
}

func (l *Loader) rebuild(ctx context.Context, accountID string) (*ledger.Account, bool, error) {
	base := ledger.NewAccount(accountID)
	replayFrom := int64(0)

	snap, err := l.snapshots.LatestSnapshot(ctx, accountID)
	if err != nil {
		l.logger.Warn("snapshot lookup failed, replaying from start",
			"account", accountID, "error", err)
	} else if snap != nil {
		base = ledger.RestoreAccount(accountID, snap.Balance, snap.LastEventSequence, snap.ProcessedTransactions)
		replayFrom = snap.LastEventSequence + 1
	}

	readCtx, cancel := context.WithTimeout(ctx, l.readTimeout)
	defer cancel()

	events, err := l.events.ReadStream(readCtx, ledger.StreamName(accountID), replayFrom)
	if err != nil {
		l.logger.Warn("stream replay failed, serving base state",
			"account", accountID, "from", replayFrom, "error", err)
		return base, false, nil
	}

	for _, rec := range events {
		var ev ledger.Event
		if err := codec.Unmarshal(rec.Data, &ev); err != nil {
			return nil, false, fmt.Errorf("rebuild %s: decode revision %d: %w", accountID, rec.StreamSeq, err)
		}
		if err := base.Apply(&ev); err != nil {
			return nil, false, fmt.Errorf("rebuild %s: fold revision %d: %w", accountID, rec.StreamSeq, err)
		}
	}
	return base, true, nil
}

// Evict drops one account from the cache.
func (l *Loader) Evict(accountID string) {
	l.mu.Lock()
	delete(l.cache, accountID)
	l.mu.Unlock()
}

// EvictAll empties the cache.
func (l *Loader) EvictAll() {
	l.mu.Lock()
	l.cache = make(map[string]*ledger.Account)
	l.mu.Unlock()
}

// Cached reports whether an account is currently cached.
func (l *Loader) Cached(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cache[accountID]
	return ok
}

// Fold replays a complete recorded history into a fresh aggregate. It
// is the reference path the loader's cascade must agree with.
func Fold(accountID string, events []eventlog.Recorded) (*ledger.Account, error) {
	account := ledger.NewAccount(accountID)
	for _, rec := range events {
		var ev ledger.Event
		if err := codec.Unmarshal(rec.Data, &ev); err != nil {
			return nil, fmt.Errorf("fold %s: revision %d: %w", accountID, rec.StreamSeq, err)
		}
		if err := account.Apply(&ev); err != nil {
			return nil, fmt.Errorf("fold %s: revision %d: %w", accountID, rec.StreamSeq, err)
		}
	}
	return account, nil
}
