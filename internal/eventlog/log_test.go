package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func recvRecorded(t *testing.T, ch <-chan Recorded) Recorded {
	t.Helper()
	select {
	case rec, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Recorded{}
}

func recvDelivery(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestAppendAndReadStream(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	last, err := l.Append(ctx, "Account-A",
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":0}`)},
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":1}`)},
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":2}`)},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last, "three events fill revisions 0..2")

	events, err := l.ReadStream(ctx, "Account-A", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.StreamSeq)
		assert.Equal(t, "Account-A", ev.Stream)
		assert.Equal(t, "AccountEvent", ev.EventType)
		assert.NotEmpty(t, ev.EventID)
		assert.False(t, ev.CreatedAt.IsZero())
	}

	tail, err := l.ReadStream(ctx, "Account-A", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, []byte(`{"n":2}`), tail[0].Data)
}

func TestAppendSeparateStreams(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	first, err := l.Append(ctx, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{}`)})
	require.NoError(t, err)
	second, err := l.Append(ctx, "Account-B", Proposed{EventType: "AccountEvent", Data: []byte(`{}`)})
	require.NoError(t, err)

	assert.Equal(t, int64(0), first, "each stream numbers from zero")
	assert.Equal(t, int64(0), second)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head, "global order spans both streams")
}

func TestStreamRevision(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	rev, err := l.StreamRevision(ctx, "Account-missing")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), rev)

	_, err = l.Append(ctx, "Account-A",
		Proposed{EventType: "AccountEvent", Data: []byte(`{}`)},
		Proposed{EventType: "AccountEvent", Data: []byte(`{}`)},
	)
	require.NoError(t, err)

	rev, err = l.StreamRevision(ctx, "Account-A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func TestHeadOfEmptyLog(t *testing.T) {
	l := openTestLog(t)

	head, err := l.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestReadAllForwardFiltersByTypePrefix(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{"n":0}`)})
	require.NoError(t, err)
	_, err = l.Append(ctx, "system", Proposed{EventType: "SystemCheckpoint", Data: []byte(`{}`)})
	require.NoError(t, err)
	_, err = l.Append(ctx, "Account-B", Proposed{EventType: "AccountEvent", Data: []byte(`{"n":1}`)})
	require.NoError(t, err)

	matches, err := l.ReadAllForward(ctx, 0, "AccountEvent", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "Account-A", matches[0].Stream)
	assert.Equal(t, "Account-B", matches[1].Stream)

	rest, err := l.ReadAllForward(ctx, matches[0].GlobalSeq, "AccountEvent", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1, "after position is exclusive")
	assert.Equal(t, "Account-B", rest[0].Stream)
}

func TestReadAllBackward(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{}`)})
		require.NoError(t, err)
	}

	newest, err := l.ReadAllBackward(ctx, 3)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, int64(5), newest[0].GlobalSeq)
	assert.Equal(t, int64(4), newest[1].GlobalSeq)
	assert.Equal(t, int64(3), newest[2].GlobalSeq)
}

func TestSubscribeAllReplaysThenFollows(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Append(ctx, "Account-A",
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":0}`)},
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":1}`)},
	)
	require.NoError(t, err)

	sub := l.SubscribeAll(ctx, SubscribeOptions{TypePrefix: "AccountEvent"})

	first := recvRecorded(t, sub.C)
	second := recvRecorded(t, sub.C)
	assert.Equal(t, int64(1), first.GlobalSeq)
	assert.Equal(t, int64(2), second.GlobalSeq)

	_, err = l.Append(ctx, "Account-B", Proposed{EventType: "AccountEvent", Data: []byte(`{"n":2}`)})
	require.NoError(t, err)

	live := recvRecorded(t, sub.C)
	assert.Equal(t, int64(3), live.GlobalSeq)
	assert.Equal(t, "Account-B", live.Stream)
	assert.Equal(t, int64(3), sub.Position())
}

func TestSubscribeAllResumesAfterPosition(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Append(ctx, "Account-A",
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":0}`)},
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":1}`)},
	)
	require.NoError(t, err)

	sub := l.SubscribeAll(ctx, SubscribeOptions{After: 1, TypePrefix: "AccountEvent"})

	only := recvRecorded(t, sub.C)
	assert.Equal(t, int64(2), only.GlobalSeq)
}

func TestSubscriptionChannelClosesOnCancel(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub := l.SubscribeAll(ctx, SubscribeOptions{})
	cancel()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "channel should close without delivering")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestPersistentGroupAckAdvancesPosition(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Append(ctx, "Account-A",
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":0}`)},
		Proposed{EventType: "AccountEvent", Data: []byte(`{"n":1}`)},
	)
	require.NoError(t, err)

	sub, err := l.SubscribePersistent(ctx, GroupOptions{Group: "money-transfer-saga", TypePrefix: "AccountEvent"})
	require.NoError(t, err)

	first := recvDelivery(t, sub.C)
	assert.Equal(t, 0, first.RetryCount)
	first.Ack()
	second := recvDelivery(t, sub.C)
	second.Ack()

	require.Eventually(t, func() bool {
		pos, err := l.GroupPosition(ctx, "money-transfer-saga")
		return err == nil && pos == 2
	}, 2*time.Second, 10*time.Millisecond, "position should reach the acked tail")
}

func TestPersistentGroupResumesFromStoredPosition(t *testing.T) {
	l := openTestLog(t)
	root := context.Background()

	_, err := l.Append(root, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{"n":0}`)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(root)
	sub, err := l.SubscribePersistent(ctx, GroupOptions{Group: "g", TypePrefix: "AccountEvent"})
	require.NoError(t, err)
	initial := recvDelivery(t, sub.C)
	initial.Ack()

	require.Eventually(t, func() bool {
		pos, err := l.GroupPosition(root, "g")
		return err == nil && pos == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	_, err = l.Append(root, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{"n":1}`)})
	require.NoError(t, err)

	ctx2, cancel2 := context.WithCancel(root)
	defer cancel2()
	resumed, err := l.SubscribePersistent(ctx2, GroupOptions{Group: "g", TypePrefix: "AccountEvent"})
	require.NoError(t, err)

	d := recvDelivery(t, resumed.C)
	assert.Equal(t, int64(2), d.Event.GlobalSeq, "acked events are not redelivered")
	d.Ack()
}

func TestPersistentGroupRetryRedelivers(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Append(ctx, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{"n":0}`)})
	require.NoError(t, err)

	sub, err := l.SubscribePersistent(ctx, GroupOptions{Group: "g", TypePrefix: "AccountEvent"})
	require.NoError(t, err)

	first := recvDelivery(t, sub.C)
	assert.Equal(t, 0, first.RetryCount)
	first.Retry("transient failure")

	second := recvDelivery(t, sub.C)
	assert.Equal(t, first.Event.GlobalSeq, second.Event.GlobalSeq)
	assert.Equal(t, 1, second.RetryCount)
	second.Ack()
}

func TestPersistentGroupParksAfterRetryBudget(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Append(ctx, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{"poison":true}`)})
	require.NoError(t, err)

	sub, err := l.SubscribePersistent(ctx, GroupOptions{Group: "g", TypePrefix: "AccountEvent", MaxRetries: 3})
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		d := recvDelivery(t, sub.C)
		assert.Equal(t, attempt, d.RetryCount)
		d.Retry("cannot process")
	}

	require.Eventually(t, func() bool {
		parked, err := l.ParkedMessages(ctx, "g")
		return err == nil && len(parked) == 1
	}, 2*time.Second, 10*time.Millisecond, "third failed retry should park the message")

	parked, err := l.ParkedMessages(ctx, "g")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, int64(1), parked[0].GlobalSeq)
	assert.Equal(t, 3, parked[0].RetryCount)
	assert.Contains(t, parked[0].Reason, "retry budget exhausted")

	require.Eventually(t, func() bool {
		pos, err := l.GroupPosition(ctx, "g")
		return err == nil && pos == 1
	}, 2*time.Second, 10*time.Millisecond, "position advances past the parked message")
}

func TestPersistentGroupExplicitPark(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Append(ctx, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{}`)})
	require.NoError(t, err)

	sub, err := l.SubscribePersistent(ctx, GroupOptions{Group: "g", TypePrefix: "AccountEvent"})
	require.NoError(t, err)

	d := recvDelivery(t, sub.C)
	d.Park("handled too many times")

	parked, err := l.ParkedMessages(ctx, "g")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "handled too many times", parked[0].Reason)
	assert.Equal(t, 0, parked[0].RetryCount)
}

func TestPersistentGroupAckTimeoutRedelivers(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Append(ctx, "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{}`)})
	require.NoError(t, err)

	sub, err := l.SubscribePersistent(ctx, GroupOptions{
		Group:      "g",
		TypePrefix: "AccountEvent",
		AckTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	first := recvDelivery(t, sub.C)
	// Not settled; the group must take it back.
	second := recvDelivery(t, sub.C)
	assert.Equal(t, first.Event.GlobalSeq, second.Event.GlobalSeq)
	assert.Equal(t, 1, second.RetryCount)
	second.Ack()
}

func TestSchemaIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), "Account-A", Proposed{EventType: "AccountEvent", Data: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	rev, err := reopened.StreamRevision(context.Background(), "Account-A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev, "reopen keeps existing data")
}
