package aggregate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/codec"
	"github.com/roach88/tally/internal/eventlog"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/relstore"
	"github.com/roach88/tally/internal/snapshot"
)

const benchStreamDepth = 10000

// buildDeepStream journals depth one-unit deposits for a single
// account, batched to keep setup time reasonable.
func buildDeepStream(b *testing.B, depth int) (*eventlog.Log, *relstore.Store) {
	b.Helper()
	dir := b.TempDir()
	log, err := eventlog.Open(filepath.Join(dir, "events.db"))
	require.NoError(b, err)
	b.Cleanup(func() { log.Close() })
	store, err := relstore.Open("sqlite3", filepath.Join(dir, "read.db"))
	require.NoError(b, err)
	b.Cleanup(func() { store.Close() })

	ctx := context.Background()
	batch := make([]eventlog.Proposed, 0, 500)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		_, err := log.Append(ctx, ledger.StreamName("bench"), batch...)
		require.NoError(b, err)
		batch = batch[:0]
	}
	for i := 0; i < depth; i++ {
		ev := ledger.Event{
			AccountID:     "bench",
			Amount:        dec("1"),
			Type:          ledger.EventTypeDeposit,
			TransactionID: fmt.Sprintf("tx-%06d", i),
		}
		data, err := codec.Marshal(&ev)
		require.NoError(b, err)
		batch = append(batch, eventlog.Proposed{EventType: ledger.EventTypeTag, Data: data})
		if len(batch) == cap(batch) {
			flush()
		}
	}
	flush()
	return log, store
}

func BenchmarkReloadColdReplay(b *testing.B) {
	log, store := buildDeepStream(b, benchStreamDepth)
	loader := NewLoader(log, store)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		loader.Evict("bench")
		account, err := loader.Load(ctx, "bench")
		if err != nil {
			b.Fatal(err)
		}
		if v := account.Version(); v != benchStreamDepth-1 {
			b.Fatalf("version %d after cold replay", v)
		}
	}
}

func BenchmarkReloadFromSnapshot(b *testing.B) {
	log, store := buildDeepStream(b, benchStreamDepth)
	ctx := context.Background()

	warm := NewLoader(log, store)
	_, err := warm.Load(ctx, "bench")
	require.NoError(b, err)
	taken, err := snapshot.NewJanitor(warm, store).TakeSnapshot(ctx, "bench")
	require.NoError(b, err)
	require.True(b, taken)

	loader := NewLoader(log, store)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		loader.Evict("bench")
		account, err := loader.Load(ctx, "bench")
		if err != nil {
			b.Fatal(err)
		}
		if v := account.Version(); v != benchStreamDepth-1 {
			b.Fatalf("version %d after snapshot reload", v)
		}
	}
}
