// Package app assembles a tally node: event log, relational store,
// ring pipeline, saga, projector and janitors wired per configuration
// and supervised as one group.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tally/internal/aggregate"
	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/eventlog"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/metrics"
	"github.com/roach88/tally/internal/projector"
	"github.com/roach88/tally/internal/relstore"
	"github.com/roach88/tally/internal/ring"
	"github.com/roach88/tally/internal/saga"
	"github.com/roach88/tally/internal/snapshot"
)

// Node owns every long-lived component of a running tally process.
// The exported stores and monitor back the CLI's read commands; all
// writes go through Send.
type Node struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    ledger.Clock
	counters *metrics.Counters

	Log     *eventlog.Log
	Store   *relstore.Store
	Loader  *aggregate.Loader
	Monitor *saga.Monitor

	pipeline  *ring.Pipeline
	projector *projector.Projector
	saga      *saga.Coordinator
	watcher   *saga.Watcher
}

// Option configures a Node at Open time.
type Option func(*settings)

type settings struct {
	logger *slog.Logger
	clock  ledger.Clock
	idGen  func() string
}

// WithLogger sets the logger every component inherits.
func WithLogger(lg *slog.Logger) Option {
	return func(s *settings) { s.logger = lg }
}

// WithClock substitutes the wall clock.
func WithClock(c ledger.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithIDGenerator substitutes the event id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *settings) { s.idGen = gen }
}

// Open builds a Node from cfg. Both databases are opened (and their
// schemas ensured) before any component starts.
func Open(cfg config.Config, opts ...Option) (*Node, error) {
	s := settings{logger: slog.Default(), clock: ledger.SystemClock()}
	for _, opt := range opts {
		opt(&s)
	}

	logOpts := []eventlog.Option{
		eventlog.WithLogger(s.logger),
		eventlog.WithClock(s.clock),
	}
	if s.idGen != nil {
		logOpts = append(logOpts, eventlog.WithIDGenerator(s.idGen))
	}
	log, err := eventlog.Open(cfg.Ledger.Path, logOpts...)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	store, err := relstore.Open(cfg.Store.Driver, cfg.Store.DSN,
		relstore.WithLogger(s.logger),
		relstore.WithClock(s.clock),
	)
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("open relational store: %w", err)
	}

	counters := &metrics.Counters{}
	loader := aggregate.NewLoader(log, store,
		aggregate.WithReadTimeout(cfg.Aggregate.ReadTimeout.Std()),
		aggregate.WithLogger(s.logger),
	)
	janitor := snapshot.NewJanitor(loader, store,
		snapshot.WithRetain(cfg.Snapshot.Retain),
		snapshot.WithLogger(s.logger),
	)

	pipeline, err := ring.New(cfg.Ring.Capacity,
		ring.StageDef{Name: ring.StageApply, Handler: ring.ApplyHandler(loader, counters, s.logger)},
		ring.StageDef{Name: ring.StageJournal, Handler: ring.JournalHandler(log, counters)},
		ring.StageDef{Name: ring.StageSnapshot, Handler: ring.SnapshotHandler(janitor, cfg.Snapshot.Threshold, counters, s.logger)},
	)
	if err != nil {
		_ = store.Close()
		_ = log.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		logger:   s.logger,
		clock:    s.clock,
		counters: counters,
		Log:      log,
		Store:    store,
		Loader:   loader,
		Monitor:  saga.NewMonitor(store),
		pipeline: pipeline,
	}
	n.projector = projector.New(log, store, counters,
		projector.WithBatchSize(cfg.Projector.BatchSize),
		projector.WithFlushInterval(cfg.Projector.FlushPeriod.Std()),
		projector.WithLogger(s.logger),
	)
	n.saga = saga.NewCoordinator(log, store, pipeline, counters,
		saga.WithCoordinatorLogger(s.logger),
		saga.WithSubscription(eventlog.GroupOptions{
			BufferSize: cfg.Subscription.BufferSize,
			MaxRetries: cfg.Subscription.MaxRetries,
			AckTimeout: cfg.Subscription.AckTimeout.Std(),
		}),
	)
	n.watcher = saga.NewWatcher(store, log, pipeline,
		saga.WithPeriod(cfg.Watcher.Period.Std()),
		saga.WithTimeout(cfg.Watcher.Timeout.Std()),
		saga.WithScanDepth(cfg.Watcher.ScanDepth),
		saga.WithClock(s.clock),
		saga.WithWatcherLogger(s.logger),
	)
	return n, nil
}

// Run seeds the configured bootstrap account, then supervises the
// pipeline, projector, saga, watcher and cleanup janitor until ctx is
// cancelled or one of them fails. Final counters are logged on the way
// out.
func (n *Node) Run(ctx context.Context) error {
	if err := n.seed(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.pipeline.Run(gctx) })
	g.Go(func() error { return n.projector.Run(gctx) })
	g.Go(func() error { return n.saga.Run(gctx) })
	g.Go(func() error { return n.watcher.Run(gctx) })
	g.Go(func() error { return n.cleanupLoop(gctx) })

	err := g.Wait()
	n.logger.LogAttrs(context.Background(), slog.LevelInfo, "node stopped", n.counters.LogAttrs()...)
	return err
}

// Send publishes a command to the ring. It blocks while the ring is
// full and fails once the pipeline has halted.
func (n *Node) Send(ctx context.Context, ev ledger.Event) (int64, error) {
	return n.pipeline.Send(ctx, ev)
}

// Counters returns a point-in-time copy of the node's counters.
func (n *Node) Counters() metrics.Totals {
	return n.counters.Snapshot()
}

// Quiesce blocks until every published command has been applied,
// journaled, consumed by the saga and delivered to the projector, with
// no follow-up command in flight, then forces a read-model flush. The
// node must be running. One-shot CLI invocations use this to observe
// their own writes.
func (n *Node) Quiesce(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		head, err := n.Log.Head(ctx)
		if err != nil {
			return fmt.Errorf("quiesce: %w", err)
		}
		if n.pipeline.Drained() && n.saga.Caught(head) && n.projector.Delivered() >= head {
			confirm, err := n.Log.Head(ctx)
			if err != nil {
				return fmt.Errorf("quiesce: %w", err)
			}
			if confirm == head {
				if err := n.projector.Flush(ctx); err != nil {
					return fmt.Errorf("quiesce: %w", err)
				}
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// CleanupOnce deletes idempotency rows older than the retention window
// and reports how many went.
func (n *Node) CleanupOnce(ctx context.Context) (int64, error) {
	cutoff := n.clock.Now().Add(-n.cfg.Cleanup.Retention.Std())
	removed, err := n.Store.DeleteOldRecords(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if removed > 0 {
		n.logger.Info("idempotency rows expired", "rows", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func (n *Node) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Cleanup.Period.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := n.CleanupOnce(ctx); err != nil {
				n.logger.Error("idempotency cleanup failed", "error", err)
			}
		}
	}
}

// seed publishes the bootstrap deposit when a seed account is
// configured and its stream has no history yet. The deterministic
// transaction id keeps a re-run harmless even if the stream check
// races a concurrent writer.
func (n *Node) seed(ctx context.Context) error {
	account := n.cfg.Seed.Account
	if account == "" {
		return nil
	}
	amount, err := n.cfg.Seed.ParseAmount()
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	rev, err := n.Log.StreamRevision(ctx, ledger.StreamName(account))
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if rev >= 0 {
		n.logger.Debug("seed account already has history", "account", account, "revision", rev)
		return nil
	}
	if _, err := n.pipeline.Send(ctx, ledger.Event{
		AccountID:     account,
		Amount:        amount,
		Type:          ledger.EventTypeDeposit,
		TransactionID: "SYS-INIT-" + account,
		Description:   ledger.DescriptionSeedAccount,
	}); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	n.logger.Info("seeded account", "account", account, "amount", amount)
	return nil
}

// Close releases both databases.
func (n *Node) Close() error {
	var errs []error
	if err := n.Log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event log: %w", err))
	}
	if err := n.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close relational store: %w", err))
	}
	return errors.Join(errs...)
}
