package saga

import (
	"context"
	"fmt"

	"github.com/roach88/tally/internal/relstore"
)

// Status is a transfer's derived state.
type Status string

const (
	// StatusUnknown means no step was ever recorded for the
	// transaction.
	StatusUnknown Status = "UNKNOWN"

	// StatusProcessing means phase 1 is captured and phase 2 is still
	// in flight.
	StatusProcessing Status = "PROCESSING"

	// StatusCompleted means the target credit applied.
	StatusCompleted Status = "COMPLETED"

	// StatusCompensated means phase 2 failed and the source was
	// refunded.
	StatusCompensated Status = "FAILED_AND_COMPENSATED"
)

// StageReader fetches the recorded steps of one transaction.
type StageReader interface {
	StagesByTransaction(ctx context.Context, transactionID string) ([]relstore.StageRecord, error)
}

// Monitor derives a transfer's status from its idempotency rows. The
// rows are the saga's only durable state, so the derivation works on
// any node, including one that never processed the transfer.
type Monitor struct {
	stages StageReader
}

// NewMonitor builds a Monitor.
func NewMonitor(stages StageReader) *Monitor {
	return &Monitor{stages: stages}
}

// Status reports the transfer's state together with the raw step
// records backing it.
func (m *Monitor) Status(ctx context.Context, transactionID string) (Status, []relstore.StageRecord, error) {
	recs, err := m.stages.StagesByTransaction(ctx, transactionID)
	if err != nil {
		return StatusUnknown, nil, fmt.Errorf("transfer status %s: %w", transactionID, err)
	}

	has := func(step relstore.Step) bool {
		for _, rec := range recs {
			if rec.Step == step {
				return true
			}
		}
		return false
	}

	switch {
	case has(relstore.StepCompensation):
		return StatusCompensated, recs, nil
	case has(relstore.StepComplete):
		return StatusCompleted, recs, nil
	case has(relstore.StepInit):
		return StatusProcessing, recs, nil
	}
	return StatusUnknown, recs, nil
}
