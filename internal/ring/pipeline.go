package ring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tally/internal/ledger"
)

// Pipeline owns the ring and its stage chain and exposes the command
// bus. Producers of any number share Send; each stage runs one
// goroutine.
type Pipeline struct {
	r      *ring
	stages []*stage

	mu   sync.Mutex // serialises claim+fill+commit
	next int64

	space  chan struct{} // signalled when the terminal cursor advances
	done   chan struct{} // closed when Run returns
	halted atomic.Bool
}

// New builds a pipeline over a power-of-two capacity ring and the
// given stage chain.
func New(capacity int, defs ...StageDef) (*Pipeline, error) {
	if len(defs) == 0 {
		return nil, errors.New("ring pipeline needs at least one stage")
	}
	r, err := newRing(capacity)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		r:     r,
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	for i, def := range defs {
		s := &stage{
			name:    def.Name,
			handler: def.Handler,
			cursor:  newCursor(),
			wakeCh:  make(chan struct{}, 1),
		}
		if i == 0 {
			s.upstream = r.published.Load
		} else {
			prev := p.stages[i-1].cursor
			s.upstream = prev.Load
			p.stages[i-1].downstream = append(p.stages[i-1].downstream, s.wakeCh)
		}
		p.stages = append(p.stages, s)
	}
	p.stages[len(p.stages)-1].downstream = append(p.stages[len(p.stages)-1].downstream, p.space)
	return p, nil
}

// Run drives the stage chain until ctx is cancelled or a stage fails.
// A stage failure is a halt: the error is returned and the pipeline
// accepts no further commands.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.stages {
		s := s
		g.Go(func() error { return s.run(gctx, p.r) })
	}
	err := g.Wait()

	p.halted.Store(true)
	close(p.done)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Send claims the next slot, fills it in place from ev and commits it.
// It blocks while the ring is full and fails once the pipeline has
// stopped. The returned sequence is the event's position on the ring.
func (p *Pipeline) Send(ctx context.Context, ev ledger.Event) (int64, error) {
	if ev.AccountID == "" {
		return 0, errors.New("send: account id required")
	}

	gate := p.stages[len(p.stages)-1].cursor
	capacity := p.r.capacity()

	p.mu.Lock()
	for {
		if p.halted.Load() {
			p.mu.Unlock()
			return 0, ErrStopped
		}
		if p.next <= gate.Load()+capacity {
			break
		}
		p.mu.Unlock()
		select {
		case <-p.space:
		case <-p.done:
			return 0, ErrStopped
		case <-ctx.Done():
			return 0, fmt.Errorf("send: %w", ctx.Err())
		}
		p.mu.Lock()
	}

	seq := p.next
	*p.r.at(seq) = ev
	p.next = seq + 1
	p.r.published.Store(seq)
	p.mu.Unlock()

	wake(p.stages[0].wakeCh)
	return seq, nil
}

// Published returns the highest committed sequence, -1 when nothing
// has been published.
func (p *Pipeline) Published() int64 {
	return p.r.published.Load()
}

// Drained reports whether every stage has caught up with the
// published cursor.
func (p *Pipeline) Drained() bool {
	return p.stages[len(p.stages)-1].cursor.Load() == p.r.published.Load()
}

// StageCursor returns the cursor of the named stage, or false when no
// such stage exists.
func (p *Pipeline) StageCursor(name string) (int64, bool) {
	for _, s := range p.stages {
		if s.name == name {
			return s.cursor.Load(), true
		}
	}
	return 0, false
}
