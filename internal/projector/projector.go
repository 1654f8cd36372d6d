// Package projector maintains the account read model from the
// journaled fact stream: an at-least-once catch-up subscription whose
// batches land in the relational store together with the position they
// cover.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tally/internal/codec"
	"github.com/roach88/tally/internal/eventlog"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/metrics"
	"github.com/roach88/tally/internal/relstore"
)

// ProjectionName is the checkpoint row key of the balance projection.
const ProjectionName = "account_balance_projection"

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 3 * time.Second
	finalFlushTimeout    = 5 * time.Second
	replayBackoff        = 250 * time.Millisecond
)

// errReplayPending means a failed flush dropped its batch; nothing may
// checkpoint until the stream has been re-read from the last flushed
// position.
var errReplayPending = errors.New("dropped batch awaits replay")

// ReadModel is the store surface the projector writes through.
type ReadModel interface {
	ProjectionCheckpoint(ctx context.Context, name string) (*relstore.Checkpoint, error)
	FlushBalances(ctx context.Context, projection string, deposits, withdraws []relstore.BalanceOp, commit, prepare int64) ([]string, error)
}

// Projector buffers decoded facts and flushes them in batches. FAIL
// facts are firewalled before SQL: they advance the checkpoint but
// never touch a balance. A failed flush drops the buffer, leaves the
// checkpoint where it was and rewinds the subscription, so the same
// events stream in again.
type Projector struct {
	log      *eventlog.Log
	store    ReadModel
	counters *metrics.Counters
	logger   *slog.Logger

	name          string
	batchSize     int
	flushInterval time.Duration

	mu         sync.Mutex
	batch      []ledger.Event
	pendingSeq int64 // last delivered global sequence
	flushedSeq int64 // last checkpointed global sequence
	dirty      bool  // a dropped batch separates pending from flushed
}

// Option configures a Projector.
type Option func(*Projector)

// WithBatchSize sets the flush-triggering buffer size.
func WithBatchSize(n int) Option {
	return func(p *Projector) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(p *Projector) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithProjectionName overrides the checkpoint row key.
func WithProjectionName(name string) Option {
	return func(p *Projector) {
		if name != "" {
			p.name = name
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(p *Projector) { p.logger = lg }
}

// New builds a Projector over the given log and store.
func New(log *eventlog.Log, store ReadModel, counters *metrics.Counters, opts ...Option) *Projector {
	p := &Projector{
		log:           log,
		store:         store,
		counters:      counters,
		logger:        slog.Default(),
		name:          ProjectionName,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run projects until ctx is cancelled, then flushes what is buffered.
// It returns an error only when the checkpoint cannot be read.
func (p *Projector) Run(ctx context.Context) error {
	cp, err := p.store.ProjectionCheckpoint(ctx, p.name)
	if err != nil {
		return fmt.Errorf("projector checkpoint: %w", err)
	}
	after := int64(0)
	if cp != nil {
		after = cp.Commit
	}
	p.mu.Lock()
	p.flushedSeq = after
	p.pendingSeq = after
	p.mu.Unlock()
	p.logger.Info("projector started", "projection", p.name, "position", after)

	for {
		rewind, err := p.follow(ctx)
		if err != nil {
			return err
		}
		if !rewind {
			return nil
		}
		select {
		case <-time.After(replayBackoff):
		case <-ctx.Done():
			p.finalFlush()
			return nil
		}
	}
}

// follow consumes one subscription incarnation from the last flushed
// position. It reports whether a dropped batch requires rewinding.
func (p *Projector) follow(ctx context.Context) (bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	from := p.flushedSeq
	p.pendingSeq = from
	p.batch = p.batch[:0]
	p.dirty = false
	p.mu.Unlock()

	sub := p.log.SubscribeAll(subCtx, eventlog.SubscribeOptions{
		After:      from,
		TypePrefix: ledger.EventTypeTag,
	})

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finalFlush()
			return false, nil
		case rec, ok := <-sub.C:
			if !ok {
				p.finalFlush()
				return false, nil
			}
			p.ingest(ctx, rec)
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil && !errors.Is(err, errReplayPending) {
				p.logger.Error("periodic flush failed", "error", err)
			}
		}

		if p.isDirty() {
			p.logger.Warn("rewinding subscription after dropped batch", "position", p.Position())
			return true, nil
		}
	}
}

func (p *Projector) ingest(ctx context.Context, rec eventlog.Recorded) {
	p.mu.Lock()
	p.pendingSeq = rec.GlobalSeq

	var ev ledger.Event
	if err := codec.Unmarshal(rec.Data, &ev); err != nil {
		// The checkpoint still moves past it; a body broken for the
		// projector now is broken for every replay to come.
		p.logger.Error("skipping undecodable record",
			"global_seq", rec.GlobalSeq, "error", err)
		p.mu.Unlock()
		return
	}

	p.batch = append(p.batch, ev)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		if err := p.Flush(ctx); err != nil && !errors.Is(err, errReplayPending) {
			p.logger.Error("size-triggered flush failed", "error", err)
		}
	}
}

// Flush writes the buffered batch and its position to the store. A
// flush with nothing new is a no-op.
func (p *Projector) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

func (p *Projector) flushLocked(ctx context.Context) error {
	if p.dirty {
		return errReplayPending
	}
	if p.pendingSeq <= p.flushedSeq && len(p.batch) == 0 {
		return nil
	}
	commit := p.pendingSeq

	var (
		deposits   []relstore.BalanceOp
		withdraws  []relstore.BalanceOp
		firewalled int
	)
	for i := range p.batch {
		ev := &p.batch[i]
		switch ev.Type {
		case ledger.EventTypeFail:
			firewalled++
		case ledger.EventTypeDeposit:
			deposits = append(deposits, relstore.BalanceOp{AccountID: ev.AccountID, Amount: ev.Amount})
		case ledger.EventTypeWithdraw:
			withdraws = append(withdraws, relstore.BalanceOp{AccountID: ev.AccountID, Amount: ev.Amount})
		}
	}

	missed, err := p.store.FlushBalances(ctx, p.name, deposits, withdraws, commit, commit)
	if err != nil {
		dropped := len(p.batch)
		p.batch = p.batch[:0]
		p.dirty = true
		return fmt.Errorf("flush read model at %d (%d events dropped for replay): %w", commit, dropped, err)
	}
	for _, id := range missed {
		p.logger.Warn("withdraw against missing account row",
			"account", id, "position", commit)
	}

	p.counters.ReadModelFlush(len(deposits)+len(withdraws), firewalled)
	p.logger.Debug("read model flushed",
		"events", len(p.batch), "firewalled", firewalled, "position", commit)
	p.batch = p.batch[:0]
	p.flushedSeq = commit
	return nil
}

// finalFlush runs on shutdown with its own deadline; the run context
// is already cancelled by then. A pending replay is not an error here,
// the next start re-reads from the checkpoint anyway.
func (p *Projector) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := p.Flush(ctx); err != nil && !errors.Is(err, errReplayPending) {
		p.logger.Error("final flush failed", "error", err)
	}
}

func (p *Projector) isDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// Position returns the last checkpointed global sequence.
func (p *Projector) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushedSeq
}

// Delivered returns the last global sequence handed to the projector,
// flushed or not.
func (p *Projector) Delivered() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingSeq
}

// Buffered returns how many decoded events await the next flush.
func (p *Projector) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batch)
}
