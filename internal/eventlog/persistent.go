package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

const (
	defaultGroupBuffer     = 50
	defaultGroupMaxRetries = 10
	defaultGroupAckTimeout = 10 * time.Second
	groupFetchBatchSize    = 64
)

// GroupOptions configures a persistent subscription group.
type GroupOptions struct {
	Group      string
	TypePrefix string
	// BufferSize caps in-flight plus queued deliveries.
	BufferSize int
	// MaxRetries is the redelivery budget before a message is parked.
	MaxRetries int
	// AckTimeout redelivers a delivery that was neither acked, retried
	// nor parked in time.
	AckTimeout time.Duration
}

func (o *GroupOptions) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultGroupBuffer
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultGroupMaxRetries
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultGroupAckTimeout
	}
}

// Delivery is one attempt to hand an event to a group consumer. The
// consumer must settle it with exactly one of Ack, Retry or Park;
// unsettled deliveries are redelivered after the ack timeout.
type Delivery struct {
	Event Recorded
	// RetryCount is the number of previous attempts for this event.
	RetryCount int

	sub *PersistentSubscription
}

// Ack marks the delivery processed and advances the group position.
func (d *Delivery) Ack() { d.sub.settle(ctrlAck, d.Event.GlobalSeq, "") }

// Retry requeues the delivery. Once the retry budget is exhausted the
// message is parked instead.
func (d *Delivery) Retry(reason string) { d.sub.settle(ctrlRetry, d.Event.GlobalSeq, reason) }

// Park moves the message to the parked store and advances past it.
func (d *Delivery) Park(reason string) { d.sub.settle(ctrlPark, d.Event.GlobalSeq, reason) }

type ctrlKind int

const (
	ctrlAck ctrlKind = iota
	ctrlRetry
	ctrlPark
)

type ctrlMsg struct {
	kind   ctrlKind
	seq    int64
	reason string
}

type entryState int

const (
	statePending entryState = iota
	stateInFlight
)

type groupEntry struct {
	rec      Recorded
	retries  int
	state    entryState
	deadline time.Time
}

// PersistentSubscription is a competing-consumer view over the log
// with per-message acknowledgement, bounded retries and parking.
type PersistentSubscription struct {
	C <-chan Delivery

	log  *Log
	opts GroupOptions

	out  chan Delivery
	ctrl chan ctrlMsg
	done chan struct{}

	position atomic.Int64
	pending  atomic.Int64
}

// Position returns the persisted resume point of the group.
func (s *PersistentSubscription) Position() int64 { return s.position.Load() }

// Pending returns the number of fetched but unsettled deliveries.
func (s *PersistentSubscription) Pending() int { return int(s.pending.Load()) }

func (s *PersistentSubscription) settle(kind ctrlKind, seq int64, reason string) {
	select {
	case s.ctrl <- ctrlMsg{kind: kind, seq: seq, reason: reason}:
	case <-s.done:
	}
}

// SubscribePersistent joins (creating if needed) a persistent group and
// starts delivering events after the group's stored position. The
// delivery channel is closed when ctx is cancelled.
func (l *Log) SubscribePersistent(ctx context.Context, opts GroupOptions) (*PersistentSubscription, error) {
	opts.withDefaults()

	position, err := l.ensureGroup(ctx, opts.Group)
	if err != nil {
		return nil, err
	}

	sub := &PersistentSubscription{
		log:  l,
		opts: opts,
		out:  make(chan Delivery, opts.BufferSize),
		ctrl: make(chan ctrlMsg, opts.BufferSize),
		done: make(chan struct{}),
	}
	sub.C = sub.out
	sub.position.Store(position)

	go sub.run(ctx, position)
	return sub, nil
}

// ensureGroup creates the group row if missing and returns its
// position.
func (l *Log) ensureGroup(ctx context.Context, group string) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ensure group %s: begin: %w", group, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO subscription_groups (group_name, position, updated_at) VALUES (?, 0, ?) ON CONFLICT DO NOTHING",
		group, l.clock.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("ensure group %s: insert: %w", group, err)
	}

	var position int64
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		position = 0
	} else {
		err = tx.QueryRowContext(ctx,
			"SELECT position FROM subscription_groups WHERE group_name = ?",
			group,
		).Scan(&position)
		if err != nil {
			return 0, fmt.Errorf("ensure group %s: read position: %w", group, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ensure group %s: commit: %w", group, err)
	}
	return position, nil
}

func (s *PersistentSubscription) run(ctx context.Context, position int64) {
	defer close(s.out)
	defer close(s.done)

	wake := s.log.notifier.subscribe()
	defer s.log.notifier.unsubscribe(wake)

	tick := s.opts.AckTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var (
		cursor      = position // highest fetched global_seq
		entries     = make(map[int64]*groupEntry)
		deliverQ    []int64
		fetchFailed bool
	)

	completeEntry := func(seq int64) {
		delete(entries, seq)
		s.pending.Store(int64(len(entries)))
		next := cursor
		for outstanding := range entries {
			if outstanding-1 < next {
				next = outstanding - 1
			}
		}
		if next > position {
			position = next
			s.position.Store(position)
			s.persistPosition(ctx, position)
		}
	}

	parkEntry := func(seq int64, e *groupEntry, reason string) {
		s.log.logger.Warn("parking message",
			"group", s.opts.Group, "global_seq", seq,
			"event_type", e.rec.EventType, "retries", e.retries, "reason", reason)
		if err := s.log.parkMessage(ctx, s.opts.Group, seq, reason, e.retries); err != nil {
			s.log.logger.Error("park write failed", "group", s.opts.Group, "global_seq", seq, "error", err)
		}
		completeEntry(seq)
	}

	retryEntry := func(seq int64, e *groupEntry, reason string) {
		e.retries++
		if e.retries >= s.opts.MaxRetries {
			parkEntry(seq, e, "retry budget exhausted: "+reason)
			return
		}
		e.state = statePending
		deliverQ = append([]int64{seq}, deliverQ...)
	}

	for {
		// Refill from the log whenever there is room.
		if !fetchFailed && len(entries) < s.opts.BufferSize {
			limit := s.opts.BufferSize - len(entries)
			if limit > groupFetchBatchSize {
				limit = groupFetchBatchSize
			}
			batch, err := s.log.ReadAllForward(ctx, cursor, s.opts.TypePrefix, limit)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.logger.Warn("group fetch failed, retrying",
					"group", s.opts.Group, "position", cursor, "error", err)
				fetchFailed = true
			} else {
				for _, rec := range batch {
					entries[rec.GlobalSeq] = &groupEntry{rec: rec, state: statePending}
					deliverQ = append(deliverQ, rec.GlobalSeq)
					cursor = rec.GlobalSeq
				}
				s.pending.Store(int64(len(entries)))
			}
		}

		var (
			out  chan Delivery
			next Delivery
		)
		if len(deliverQ) > 0 {
			seq := deliverQ[0]
			e := entries[seq]
			next = Delivery{Event: e.rec, RetryCount: e.retries, sub: s}
			out = s.out
		}

		select {
		case out <- next:
			e := entries[next.Event.GlobalSeq]
			e.state = stateInFlight
			e.deadline = s.log.clock.Now().Add(s.opts.AckTimeout)
			deliverQ = deliverQ[1:]

		case msg := <-s.ctrl:
			e, ok := entries[msg.seq]
			if !ok || e.state != stateInFlight {
				// Late settle after an ack-timeout redelivery.
				continue
			}
			switch msg.kind {
			case ctrlAck:
				completeEntry(msg.seq)
			case ctrlRetry:
				retryEntry(msg.seq, e, msg.reason)
			case ctrlPark:
				parkEntry(msg.seq, e, msg.reason)
			}

		case <-ticker.C:
			fetchFailed = false
			now := s.log.clock.Now()
			var expired []int64
			for seq, e := range entries {
				if e.state == stateInFlight && !e.deadline.After(now) {
					expired = append(expired, seq)
				}
			}
			sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
			for _, seq := range expired {
				retryEntry(seq, entries[seq], "ack timeout")
			}

		case <-wake:

		case <-ctx.Done():
			return
		}
	}
}

func (s *PersistentSubscription) persistPosition(ctx context.Context, position int64) {
	_, err := s.log.db.ExecContext(ctx,
		"UPDATE subscription_groups SET position = ?, updated_at = ? WHERE group_name = ?",
		position, s.log.clock.Now().Format(time.RFC3339Nano), s.opts.Group,
	)
	if err != nil && ctx.Err() == nil {
		s.log.logger.Warn("group position update failed",
			"group", s.opts.Group, "position", position, "error", err)
	}
}

func (l *Log) parkMessage(ctx context.Context, group string, seq int64, reason string, retries int) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO parked_messages (group_name, global_seq, reason, retry_count, parked_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
		group, seq, reason, retries, l.clock.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("park message %d for %s: %w", seq, group, err)
	}
	return nil
}

// Parked is a message removed from delivery after exhausting retries.
type Parked struct {
	Group      string
	GlobalSeq  int64
	Reason     string
	RetryCount int
	ParkedAt   time.Time
}

// ParkedMessages lists the parked messages of a group, oldest first.
func (l *Log) ParkedMessages(ctx context.Context, group string) ([]Parked, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT group_name, global_seq, reason, retry_count, parked_at FROM parked_messages WHERE group_name = ? ORDER BY global_seq",
		group,
	)
	if err != nil {
		return nil, fmt.Errorf("list parked for %s: %w", group, err)
	}
	defer rows.Close()

	var out []Parked
	for rows.Next() {
		var (
			p  Parked
			ts string
		)
		if err := rows.Scan(&p.Group, &p.GlobalSeq, &p.Reason, &p.RetryCount, &ts); err != nil {
			return nil, fmt.Errorf("list parked for %s: scan: %w", group, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("list parked for %s: parse timestamp %q: %w", group, ts, err)
		}
		p.ParkedAt = parsed
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list parked for %s: %w", group, err)
	}
	return out, nil
}

// GroupPosition returns the stored position of a group, 0 when the
// group does not exist.
func (l *Log) GroupPosition(ctx context.Context, group string) (int64, error) {
	var position int64
	err := l.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), 0) FROM subscription_groups WHERE group_name = ?",
		group,
	).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("read position of %s: %w", group, err)
	}
	return position, nil
}
