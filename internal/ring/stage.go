package ring

import (
	"context"
	"fmt"

	"github.com/roach88/tally/internal/ledger"
)

// Handler processes one slot. endOfBatch marks the last sequence
// currently available from the upstream barrier; batching handlers
// flush on it. A non-nil error halts the pipeline.
type Handler func(ctx context.Context, slot *ledger.Event, seq int64, endOfBatch bool) error

// StageDef names a pipeline stage and its handler. Stages execute in
// definition order: each one's barrier is its predecessor's cursor.
type StageDef struct {
	Name    string
	Handler Handler
}

type stage struct {
	name       string
	handler    Handler
	cursor     *cursor
	upstream   func() int64
	wakeCh     chan struct{}
	downstream []chan struct{}
}

func (s *stage) run(ctx context.Context, r *ring) error {
	for {
		next := s.cursor.Load() + 1
		avail := s.upstream()
		if avail < next {
			select {
			case <-s.wakeCh:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for seq := next; seq <= avail; seq++ {
			if err := s.handler(ctx, r.at(seq), seq, seq == avail); err != nil {
				return fmt.Errorf("%s stage at sequence %d: %w", s.name, seq, err)
			}
			s.cursor.Store(seq)
			for _, ch := range s.downstream {
				wake(ch)
			}
		}
	}
}
