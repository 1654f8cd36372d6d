package eventlog

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	defaultSubscribeBuffer = 50
	subscribeBatchSize     = 128
	subscribeRetryDelay    = 250 * time.Millisecond
)

// SubscribeOptions configures a catch-up subscription.
type SubscribeOptions struct {
	// After is the exclusive global sequence to resume from. Zero
	// replays the log from the beginning.
	After int64
	// TypePrefix restricts delivery to event types with this prefix.
	TypePrefix string
	// BufferSize is the delivery channel capacity.
	BufferSize int
}

// Subscription is a catch-up subscription over the global event order.
// It replays history from the requested position and then follows the
// live tail. Read failures are retried, not surfaced; the subscription
// ends when its context is cancelled.
type Subscription struct {
	C <-chan Recorded

	out      chan Recorded
	position atomic.Int64
}

// Position returns the global sequence of the last delivered event.
func (s *Subscription) Position() int64 {
	return s.position.Load()
}

// SubscribeAll starts a catch-up subscription and returns it. The
// delivery channel is closed when ctx is cancelled.
func (l *Log) SubscribeAll(ctx context.Context, opts SubscribeOptions) *Subscription {
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = defaultSubscribeBuffer
	}

	sub := &Subscription{out: make(chan Recorded, buffer)}
	sub.C = sub.out
	sub.position.Store(opts.After)

	go l.runSubscription(ctx, sub, opts)
	return sub
}

func (l *Log) runSubscription(ctx context.Context, sub *Subscription, opts SubscribeOptions) {
	defer close(sub.out)

	wake := l.notifier.subscribe()
	defer l.notifier.unsubscribe(wake)

	pos := opts.After
	for {
		batch, err := l.ReadAllForward(ctx, pos, opts.TypePrefix, subscribeBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("subscription read failed, retrying",
				"type_prefix", opts.TypePrefix, "position", pos, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(subscribeRetryDelay):
			}
			continue
		}

		for _, rec := range batch {
			select {
			case sub.out <- rec:
				pos = rec.GlobalSeq
				sub.position.Store(pos)
			case <-ctx.Done():
				return
			}
		}

		if len(batch) < subscribeBatchSize {
			// Caught up; sleep until the next append.
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}
}
