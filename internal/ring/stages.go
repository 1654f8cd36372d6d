package ring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/tally/internal/aggregate"
	"github.com/roach88/tally/internal/codec"
	"github.com/roach88/tally/internal/eventlog"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/metrics"
	"github.com/roach88/tally/internal/snapshot"
)

// Stage names used for cursor lookups and halt diagnostics.
const (
	StageApply    = "apply"
	StageJournal  = "journal"
	StageSnapshot = "snapshot-tick"
)

// ApplyHandler folds each slot into its aggregate. A refused command
// is rewritten in place to FAIL, description preserved, and re-applied
// so the aggregate's version stays aligned with the stream; downstream
// stages then see the canonical outcome. Apply never halts the
// pipeline.
func ApplyHandler(loader *aggregate.Loader, counters *metrics.Counters, logger *slog.Logger) Handler {
	return func(ctx context.Context, slot *ledger.Event, seq int64, _ bool) error {
		account, err := loader.Load(ctx, slot.AccountID)
		if err != nil {
			logger.Error("aggregate unavailable, recording failure",
				"account", slot.AccountID, "tx", slot.TransactionID, "error", err)
			loader.Evict(slot.AccountID)
			slot.Type = ledger.EventTypeFail
			counters.FailRewritten()
			counters.EventApplied()
			return nil
		}

		if err := account.Apply(slot); err != nil {
			logger.Warn("command refused, rewriting to FAIL",
				"account", slot.AccountID, "type", slot.Type,
				"tx", slot.TransactionID, "description", slot.Description, "error", err)
			slot.Type = ledger.EventTypeFail
			if err := account.Apply(slot); err != nil {
				return fmt.Errorf("apply failure event: %w", err)
			}
			counters.FailRewritten()
		}
		counters.EventApplied()
		return nil
	}
}

// Appender is the journal's append surface.
type Appender interface {
	Append(ctx context.Context, stream string, events ...eventlog.Proposed) (int64, error)
}

// JournalHandler buffers slots until endOfBatch, then appends them
// per account stream and waits for durability. Any append error halts
// the pipeline: nothing downstream may observe an event the log did
// not accept.
func JournalHandler(log Appender, counters *metrics.Counters) Handler {
	type pending struct {
		stream string
		data   []byte
	}
	var batch []pending

	return func(ctx context.Context, slot *ledger.Event, seq int64, endOfBatch bool) error {
		data, err := codec.Marshal(slot)
		if err != nil {
			return fmt.Errorf("encode event %s for %s: %w", slot.TransactionID, slot.AccountID, err)
		}
		batch = append(batch, pending{stream: ledger.StreamName(slot.AccountID), data: data})
		if !endOfBatch {
			return nil
		}

		// Group per stream, preserving slot order within each stream.
		order := make([]string, 0, len(batch))
		grouped := make(map[string][]eventlog.Proposed, len(batch))
		for _, pe := range batch {
			if _, seen := grouped[pe.stream]; !seen {
				order = append(order, pe.stream)
			}
			grouped[pe.stream] = append(grouped[pe.stream], eventlog.Proposed{
				EventType: ledger.EventTypeTag,
				Data:      pe.data,
			})
		}
		for _, stream := range order {
			if _, err := log.Append(ctx, stream, grouped[stream]...); err != nil {
				return fmt.Errorf("journal %s: %w", stream, err)
			}
		}

		counters.JournalBatch(len(batch))
		batch = batch[:0]
		return nil
	}
}

// SnapshotHandler triggers the janitor when the sequence crosses a
// threshold multiple and the slot is not a FAIL. Snapshot trouble is
// logged, never a halt.
func SnapshotHandler(janitor *snapshot.Janitor, threshold int64, counters *metrics.Counters, logger *slog.Logger) Handler {
	return func(ctx context.Context, slot *ledger.Event, seq int64, _ bool) error {
		if threshold <= 0 || seq == 0 || seq%threshold != 0 || slot.Type == ledger.EventTypeFail {
			return nil
		}
		taken, err := janitor.TakeSnapshot(ctx, slot.AccountID)
		if err != nil {
			logger.Warn("snapshot tick failed", "account", slot.AccountID, "sequence", seq, "error", err)
			return nil
		}
		if taken {
			counters.SnapshotTaken()
			logger.Debug("snapshot taken", "account", slot.AccountID, "sequence", seq)
		}
		return nil
	}
}
