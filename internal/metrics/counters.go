// Package metrics holds the node's operational counters.
package metrics

import (
	"log/slog"
	"sync"
)

// Totals is a point-in-time copy of all counters.
type Totals struct {
	EventsApplied    int64
	FailRewrites     int64
	JournalBatches   int64
	JournaledEvents  int64
	ReadModelFlushes int64
	ProjectedEvents  int64
	FirewalledFails  int64
	SagaCommands     int64
	Compensations    int64
	ParkedDeliveries int64
	SnapshotsTaken   int64
}

// Counters is a mutex-guarded counter set shared by the pipeline and
// its subscribers. The zero value is ready to use.
type Counters struct {
	mu     sync.Mutex
	totals Totals
}

func (c *Counters) add(f func(*Totals)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	f(&c.totals)
	c.mu.Unlock()
}

func (c *Counters) EventApplied()  { c.add(func(t *Totals) { t.EventsApplied++ }) }
func (c *Counters) FailRewritten() { c.add(func(t *Totals) { t.FailRewrites++ }) }
func (c *Counters) SnapshotTaken() { c.add(func(t *Totals) { t.SnapshotsTaken++ }) }
func (c *Counters) SagaCommand()   { c.add(func(t *Totals) { t.SagaCommands++ }) }
func (c *Counters) Compensation()  { c.add(func(t *Totals) { t.Compensations++ }) }
func (c *Counters) ParkedDelivery() {
	c.add(func(t *Totals) { t.ParkedDeliveries++ })
}

func (c *Counters) JournalBatch(events int) {
	c.add(func(t *Totals) {
		t.JournalBatches++
		t.JournaledEvents += int64(events)
	})
}

func (c *Counters) ReadModelFlush(events, firewalled int) {
	c.add(func(t *Totals) {
		t.ReadModelFlushes++
		t.ProjectedEvents += int64(events)
		t.FirewalledFails += int64(firewalled)
	})
}

// Snapshot returns a copy of the current totals.
func (c *Counters) Snapshot() Totals {
	if c == nil {
		return Totals{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// LogAttrs renders the totals as slog attributes for shutdown and
// status reports.
func (c *Counters) LogAttrs() []slog.Attr {
	t := c.Snapshot()
	return []slog.Attr{
		slog.Int64("events_applied", t.EventsApplied),
		slog.Int64("fail_rewrites", t.FailRewrites),
		slog.Int64("journal_batches", t.JournalBatches),
		slog.Int64("journaled_events", t.JournaledEvents),
		slog.Int64("read_model_flushes", t.ReadModelFlushes),
		slog.Int64("projected_events", t.ProjectedEvents),
		slog.Int64("firewalled_fails", t.FirewalledFails),
		slog.Int64("saga_commands", t.SagaCommands),
		slog.Int64("compensations", t.Compensations),
		slog.Int64("parked_deliveries", t.ParkedDeliveries),
		slog.Int64("snapshots_taken", t.SnapshotsTaken),
	}
}
