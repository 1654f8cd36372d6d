package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/relstore"
)

func TestMonitorDerivesStatusFromSteps(t *testing.T) {
	_, store := openFixtures(t)
	ctx := context.Background()
	m := NewMonitor(store)

	mark := func(tx string, step relstore.Step) {
		t.Helper()
		won, err := store.TryMarkProcessed(ctx, tx, step)
		require.NoError(t, err)
		require.True(t, won)
	}

	mark("tx-processing", relstore.StepInit)

	mark("tx-completed", relstore.StepInit)
	mark("tx-completed", relstore.StepComplete)

	mark("tx-refunded", relstore.StepInit)
	mark("tx-refunded", relstore.StepCompensation)

	cases := []struct {
		tx    string
		want  Status
		steps int
	}{
		{"tx-processing", StatusProcessing, 1},
		{"tx-completed", StatusCompleted, 2},
		{"tx-refunded", StatusCompensated, 2},
		{"tx-nowhere", StatusUnknown, 0},
	}
	for _, tc := range cases {
		status, recs, err := m.Status(ctx, tc.tx)
		require.NoError(t, err, tc.tx)
		assert.Equal(t, tc.want, status, tc.tx)
		assert.Len(t, recs, tc.steps, tc.tx)
	}
}

func TestMonitorCompensationOutranksCompletion(t *testing.T) {
	// Both rows can exist when a late phase 2 lands after the watcher
	// already triggered recovery. Compensation is the truth: money
	// moved back.
	_, store := openFixtures(t)
	ctx := context.Background()

	for _, step := range []relstore.Step{relstore.StepInit, relstore.StepComplete, relstore.StepCompensation} {
		won, err := store.TryMarkProcessed(ctx, "tx-both", step)
		require.NoError(t, err)
		require.True(t, won)
	}

	status, recs, err := NewMonitor(store).Status(ctx, "tx-both")
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
	assert.Len(t, recs, 3)
}

type erroringStages struct{}

func (erroringStages) StagesByTransaction(context.Context, string) ([]relstore.StageRecord, error) {
	return nil, errors.New("store offline")
}

func TestMonitorWrapsStoreErrors(t *testing.T) {
	status, recs, err := NewMonitor(erroringStages{}).Status(context.Background(), "tx-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transfer status tx-1")
	assert.Equal(t, StatusUnknown, status)
	assert.Nil(t, recs)
}
