// Package saga choreographs two-phase cross-account transfers over the
// journaled fact stream: phase 1 is the source withdraw, phase 2 the
// target deposit, with a compensating refund when phase 2 fails. A
// timeout watcher re-injects the failure signal for transfers whose
// phase 2 never surfaced, and a monitor derives transfer status from
// the recorded steps.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/tally/internal/codec"
	"github.com/roach88/tally/internal/eventlog"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/metrics"
	"github.com/roach88/tally/internal/relstore"
)

// GroupName is the persistent subscription group the coordinator
// competes in. One group row means one logical consumer regardless of
// how many nodes run.
const GroupName = "money-transfer-saga"

// defaultMaxRetries is the client-side retry budget: a delivery that
// has already been retried this often is parked instead of nacked.
// The subscription server keeps its own, larger budget.
const defaultMaxRetries = 5

// CommandBus is where the coordinator publishes its outbound commands.
// It is the same port every other producer uses, so saga commands take
// the identical path through the single writer.
type CommandBus interface {
	Send(ctx context.Context, ev ledger.Event) (int64, error)
}

// StepStore records transfer steps and the saga's checkpoint.
type StepStore interface {
	TryMarkProcessed(ctx context.Context, transactionID string, step relstore.Step) (bool, error)
	SaveSagaCheckpoint(ctx context.Context, name string, commit, prepare int64) error
}

// Coordinator reacts to journaled facts with at most one outbound
// command per event. All branching is driven by the event type and the
// description tag, never by in-memory state, so a restarted node picks
// up mid-transfer without ceremony.
type Coordinator struct {
	log        *eventlog.Log
	steps      StepStore
	bus        CommandBus
	counters   *metrics.Counters
	logger     *slog.Logger
	maxRetries int
	subOpts    eventlog.GroupOptions

	sub atomic.Pointer[eventlog.PersistentSubscription]
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger overrides the logger.
func WithCoordinatorLogger(lg *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = lg }
}

// WithMaxRetries overrides the client-side retry budget.
func WithMaxRetries(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithSubscription tunes the persistent subscription's buffer, server
// retry budget and ack timeout. Group and type filter are fixed.
func WithSubscription(opts eventlog.GroupOptions) CoordinatorOption {
	return func(c *Coordinator) { c.subOpts = opts }
}

// NewCoordinator builds a Coordinator over the given log, step store
// and command bus.
func NewCoordinator(log *eventlog.Log, steps StepStore, bus CommandBus, counters *metrics.Counters, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		log:        log,
		steps:      steps,
		bus:        bus,
		counters:   counters,
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the account fact stream until ctx is cancelled.
// Processing failures are retried through the persistent subscription;
// only a failure to establish the subscription itself is returned.
func (c *Coordinator) Run(ctx context.Context) error {
	opts := c.subOpts
	opts.Group = GroupName
	opts.TypePrefix = ledger.EventTypeTag
	sub, err := c.log.SubscribePersistent(ctx, opts)
	if err != nil {
		return fmt.Errorf("saga subscription: %w", err)
	}
	c.sub.Store(sub)
	c.logger.Info("saga coordinator started", "group", GroupName, "position", sub.Position())

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-sub.C:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

// Caught reports whether every journaled fact up to head has been
// settled. False until Run has established the subscription.
func (c *Coordinator) Caught(head int64) bool {
	sub := c.sub.Load()
	if sub == nil {
		return false
	}
	return sub.Position() >= head && sub.Pending() == 0
}

func (c *Coordinator) handle(ctx context.Context, d eventlog.Delivery) {
	var ev ledger.Event
	if err := codec.Unmarshal(d.Event.Data, &ev); err != nil {
		c.logger.Error("undecodable event, parking",
			"group", GroupName, "global_seq", d.Event.GlobalSeq, "error", err)
		d.Park(fmt.Sprintf("undecodable event body: %v", err))
		c.counters.ParkedDelivery()
		return
	}

	if err := c.process(ctx, &ev); err != nil {
		if d.RetryCount >= c.maxRetries {
			c.logger.Error("retry budget spent, parking",
				"tx", ev.TransactionID, "global_seq", d.Event.GlobalSeq,
				"retries", d.RetryCount, "error", err)
			d.Park(err.Error())
			c.counters.ParkedDelivery()
			return
		}
		c.logger.Warn("saga step failed, will retry",
			"tx", ev.TransactionID, "global_seq", d.Event.GlobalSeq,
			"retries", d.RetryCount, "error", err)
		d.Retry(err.Error())
		return
	}

	d.Ack()
	if err := c.steps.SaveSagaCheckpoint(ctx, GroupName, d.Event.GlobalSeq, d.Event.GlobalSeq); err != nil {
		// The subscription's own group position is the resume point;
		// the checkpoint row is a status surface.
		c.logger.Warn("saga checkpoint write failed", "global_seq", d.Event.GlobalSeq, "error", err)
	}
}

// process applies the choreography to one decoded fact. It issues at
// most one outbound command and returns an error only for retryable
// trouble; business dead ends are logged and acknowledged.
func (c *Coordinator) process(ctx context.Context, ev *ledger.Event) error {
	switch {
	case ev.Description == ledger.DescriptionSagaIgnore:
		// Deliberately staged transfers the choreography must not
		// touch. The timeout watcher picks them up instead.
		return nil

	case ev.Type == ledger.EventTypeWithdraw && ev.TargetID != "":
		return c.startTransfer(ctx, ev)

	case ev.Type == ledger.EventTypeDeposit && ev.Description == ledger.DescriptionTransferDeposit:
		return c.completeTransfer(ctx, ev)

	case ev.Type == ledger.EventTypeFail && ev.Description == ledger.DescriptionTransferDeposit:
		return c.compensate(ctx, ev)
	}
	return nil
}

// startTransfer handles phase 1: a withdraw carrying a target account.
// Winning the INIT reservation makes this node the one that issues the
// phase 2 deposit; losing it means a duplicate delivery.
func (c *Coordinator) startTransfer(ctx context.Context, ev *ledger.Event) error {
	won, err := c.steps.TryMarkProcessed(ctx, ev.TransactionID, relstore.StepInit)
	if err != nil {
		return err
	}
	if !won {
		c.logger.Debug("transfer already initiated", "tx", ev.TransactionID)
		return nil
	}

	deposit := ledger.Event{
		AccountID:     ev.TargetID,
		Amount:        ev.Amount,
		Type:          ledger.EventTypeDeposit,
		TransactionID: ev.TransactionID,
		// The source rides along as the deposit's target so a failed
		// phase 2 knows where the refund goes.
		TargetID:    ev.AccountID,
		Description: ledger.DescriptionTransferDeposit,
	}
	if _, err := c.bus.Send(ctx, deposit); err != nil {
		return fmt.Errorf("issue transfer deposit %s: %w", ev.TransactionID, err)
	}
	c.counters.SagaCommand()
	c.logger.Info("transfer deposit issued",
		"tx", ev.TransactionID, "from", ev.AccountID, "to", ev.TargetID, "amount", ev.Amount)
	return nil
}

// completeTransfer records phase 2 success. The apply stage rewrites a
// refused deposit to FAIL before it is journaled, so a DEPOSIT fact
// with the transfer tag means the credit really applied. The COMPLETE
// row is what keeps the timeout watcher away from finished transfers.
func (c *Coordinator) completeTransfer(ctx context.Context, ev *ledger.Event) error {
	won, err := c.steps.TryMarkProcessed(ctx, ev.TransactionID, relstore.StepComplete)
	if err != nil {
		return err
	}
	if won {
		c.logger.Info("transfer completed", "tx", ev.TransactionID, "to", ev.AccountID)
	}
	return nil
}

// compensate handles a failed phase 2: refund the source. The refund
// re-uses the transfer's transaction id as a deposit, which the
// aggregate's per-type idempotency admits exactly once.
func (c *Coordinator) compensate(ctx context.Context, ev *ledger.Event) error {
	won, err := c.steps.TryMarkProcessed(ctx, ev.TransactionID, relstore.StepCompensation)
	if err != nil {
		return err
	}
	if !won {
		c.logger.Debug("compensation already captured", "tx", ev.TransactionID)
		return nil
	}
	if ev.TargetID == "" {
		// No refund destination on the fact. Guessing would move
		// money, so this is an operator problem, not a retry.
		c.logger.Error("cannot compensate, refund target unknown",
			"tx", ev.TransactionID, "account", ev.AccountID)
		return nil
	}

	refund := ledger.Event{
		AccountID:     ev.TargetID,
		Amount:        ev.Amount,
		Type:          ledger.EventTypeDeposit,
		TransactionID: ev.TransactionID,
		Description:   ledger.DescriptionCompensation,
	}
	if _, err := c.bus.Send(ctx, refund); err != nil {
		return fmt.Errorf("issue compensation %s: %w", ev.TransactionID, err)
	}
	c.counters.Compensation()
	c.logger.Info("compensation issued",
		"tx", ev.TransactionID, "refund_to", ev.TargetID, "amount", ev.Amount)
	return nil
}
