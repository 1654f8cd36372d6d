// Package ring is the single-writer core: a bounded sequence buffer of
// reusable event slots with a fixed chain of consumer stages behind it.
//
// Producers claim, fill and commit a slot under one lock, so claim
// order is publish order and the ring imposes a total order across all
// producers. Stages follow at their own cursors; the slowest terminal
// cursor gates producers so a full ring blocks instead of dropping.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/roach88/tally/internal/ledger"
)

// ErrStopped is returned by Send after the pipeline has halted.
var ErrStopped = errors.New("ring pipeline stopped")

type ring struct {
	slots []ledger.Event
	mask  int64

	// published is the highest committed sequence, -1 before the
	// first publish. Only written under Pipeline.mu.
	published atomic.Int64
}

func newRing(capacity int) (*ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity must be a power of two, got %d", capacity)
	}
	r := &ring{
		slots: make([]ledger.Event, capacity),
		mask:  int64(capacity - 1),
	}
	r.published.Store(-1)
	return r, nil
}

func (r *ring) at(seq int64) *ledger.Event {
	return &r.slots[seq&r.mask]
}

func (r *ring) capacity() int64 {
	return r.mask + 1
}

// wake performs a coalescing send on a size-one signal channel.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// cursor is a stage's progress marker: the last sequence it finished.
type cursor struct {
	atomic.Int64
}

func newCursor() *cursor {
	c := &cursor{}
	c.Store(-1)
	return c
}
