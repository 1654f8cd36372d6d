package saga

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/tally/internal/codec"
	"github.com/roach88/tally/internal/eventlog"
	"github.com/roach88/tally/internal/ledger"
)

const (
	defaultPeriod    = time.Minute
	defaultTimeout   = 30 * time.Second
	defaultScanDepth = 2000
)

// OrphanSource lists transactions stuck in INIT past a cutoff.
type OrphanSource interface {
	TimeoutTransactions(ctx context.Context, cutoff time.Time) ([]string, error)
}

// BackwardScanner reads the newest slice of the global stream.
type BackwardScanner interface {
	ReadAllBackward(ctx context.Context, limit int) ([]eventlog.Recorded, error)
}

// Watcher periodically hunts for transfers whose phase 2 never
// surfaced and re-injects the failure signal the coordinator's
// compensation branch listens for. It reconstructs the original
// withdraw from the journal rather than trusting any cached state;
// when the scan window no longer holds it, the transfer is left for an
// operator instead of guessing.
type Watcher struct {
	orphans OrphanSource
	log     BackwardScanner
	bus     CommandBus
	clock   ledger.Clock
	period  time.Duration
	timeout time.Duration
	depth   int
	logger  *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPeriod sets the sweep interval.
func WithPeriod(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.period = d
		}
	}
}

// WithTimeout sets how old an unfinished INIT row must be before it
// counts as orphaned.
func WithTimeout(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithScanDepth bounds how far back the journal scan looks for the
// original withdraw.
func WithScanDepth(n int) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.depth = n
		}
	}
}

// WithClock overrides the clock used for cutoff arithmetic.
func WithClock(c ledger.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = c }
}

// WithWatcherLogger overrides the logger.
func WithWatcherLogger(lg *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = lg }
}

// NewWatcher builds a Watcher publishing recovery commands to bus.
func NewWatcher(orphans OrphanSource, log BackwardScanner, bus CommandBus, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		orphans: orphans,
		log:     log,
		bus:     bus,
		clock:   ledger.SystemClock(),
		period:  defaultPeriod,
		timeout: defaultTimeout,
		depth:   defaultScanDepth,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on every period tick until ctx is cancelled. Sweep
// trouble is logged and retried on the next tick, never fatal.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	cutoff := w.clock.Now().Add(-w.timeout)
	orphans, err := w.orphans.TimeoutTransactions(ctx, cutoff)
	if err != nil {
		w.logger.Error("orphan scan failed", "error", err)
		return
	}
	if len(orphans) == 0 {
		return
	}

	// One backward read serves every orphan in this sweep.
	recs, err := w.log.ReadAllBackward(ctx, w.depth)
	if err != nil {
		w.logger.Error("journal scan failed", "error", err)
		return
	}

	for _, tx := range orphans {
		withdraw, ok := w.findWithdraw(recs, tx)
		if !ok {
			w.logger.Error("orphaned transfer not found in scan window",
				"tx", tx, "depth", w.depth)
			continue
		}

		// The recovery fact names the source in both account fields:
		// it lands on the source's stream, and the compensation branch
		// reads the refund destination from the target field.
		recovery := ledger.Event{
			AccountID:     withdraw.AccountID,
			Amount:        withdraw.Amount,
			Type:          ledger.EventTypeFail,
			TransactionID: tx,
			TargetID:      withdraw.AccountID,
			Description:   ledger.DescriptionTransferDeposit,
		}
		if _, err := w.bus.Send(ctx, recovery); err != nil {
			w.logger.Error("recovery command rejected", "tx", tx, "error", err)
			continue
		}
		w.logger.Warn("transfer timed out, recovery triggered",
			"tx", tx, "account", withdraw.AccountID, "amount", withdraw.Amount,
			"reason", ledger.DescriptionTimeoutRecovery)
	}
}

// findWithdraw locates the journaled WITHDRAW of the given transaction
// in a newest-first record slice.
func (w *Watcher) findWithdraw(recs []eventlog.Recorded, tx string) (*ledger.Event, bool) {
	for i := range recs {
		if !strings.HasPrefix(recs[i].EventType, ledger.EventTypeTag) {
			continue
		}
		var ev ledger.Event
		if err := codec.Unmarshal(recs[i].Data, &ev); err != nil {
			w.logger.Debug("skipping undecodable record",
				"global_seq", recs[i].GlobalSeq, "error", err)
			continue
		}
		if ev.Type == ledger.EventTypeWithdraw && ev.TransactionID == tx {
			return &ev, true
		}
	}
	return nil, false
}
