package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/cache"
	"ferry/internal/model"
)

func event(seq int64, percent int) model.ProgressEvent {
	return model.ProgressEvent{JobID: "job", Sequence: seq, Percent: percent, Processed: int(seq) * 10}
}

func drain(t *testing.T, sub *Subscription) []model.ProgressEvent {
	t.Helper()
	var out []model.ProgressEvent
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("subscription was not closed")
			return out
		}
	}
}

func TestSubscriberReceivesSnapshotThenLiveEvents(t *testing.T) {
	b := New(8, nil)

	b.Publish(event(1, 10))
	b.Publish(event(2, 20))

	sub := b.Subscribe(context.Background(), "job")
	b.Publish(event(3, 30))

	final := event(4, 100)
	final.Terminal = true
	final.Status = model.StatusSucceeded
	b.Publish(final)

	got := drain(t, sub)
	require.Len(t, got, 3)
	assert.Equal(t, int64(2), got[0].Sequence)
	assert.Equal(t, int64(3), got[1].Sequence)
	assert.True(t, got[2].Terminal)
	assert.Equal(t, 0, b.Subscribers("job"))
}

func TestPublishKeepsOrdering(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe(context.Background(), "job")

	b.Publish(event(1, 40))
	b.Publish(event(1, 50))
	b.Publish(event(2, 30))
	b.Publish(event(3, 140))

	final := event(4, 100)
	final.Terminal = true
	b.Publish(final)

	got := drain(t, sub)
	require.Len(t, got, 4)

	prevSeq, prevPct := int64(0), 0
	for _, ev := range got {
		assert.Greater(t, ev.Sequence, prevSeq)
		assert.GreaterOrEqual(t, ev.Percent, prevPct)
		assert.LessOrEqual(t, ev.Percent, 100)
		prevSeq, prevPct = ev.Sequence, ev.Percent
	}
	assert.Equal(t, 40, got[1].Percent)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(2, nil)
	slow := b.Subscribe(context.Background(), "job")

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 10; i++ {
			b.Publish(event(i, int(i)*10))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	got := drain(t, slow)
	assert.Len(t, got, 2)
	assert.True(t, slow.Dropped())
	assert.Equal(t, 0, b.Subscribers("job"))
}

func TestContextCancelClosesSubscription(t *testing.T) {
	b := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, "job")
	assert.Equal(t, 1, b.Subscribers("job"))

	cancel()
	drain(t, sub)
	assert.Equal(t, 0, b.Subscribers("job"))
	assert.False(t, sub.Dropped())

	sub.Close()
}

func TestLateSubscriberSeedsFromSnapshots(t *testing.T) {
	store := cache.NewMemoryCache()
	writer := cache.NewSnapshotWriter(store, time.Minute, time.Hour)
	defer writer.Close()

	producer := New(4, writer)
	final := event(7, 100)
	final.Terminal = true
	final.Status = model.StatusSucceeded
	producer.Publish(final)

	// a second process sharing the snapshot store
	replica := New(4, writer)
	got := drain(t, replica.Subscribe(context.Background(), "job"))

	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].Sequence)
	assert.Equal(t, model.StatusSucceeded, got[0].Status)
}

func TestSubscribeSeedsRunningJob(t *testing.T) {
	store := cache.NewMemoryCache()
	require.NoError(t, store.SaveSnapshot(context.Background(), event(3, 30), time.Minute))
	writer := cache.NewSnapshotWriter(store, time.Minute, time.Hour)
	defer writer.Close()

	b := New(4, writer)
	sub := b.Subscribe(context.Background(), "job")

	b.Publish(event(2, 20))
	next := event(4, 100)
	next.Terminal = true
	b.Publish(next)

	got := drain(t, sub)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Sequence)
	assert.Equal(t, int64(4), got[1].Sequence)
}

func TestReplayYieldsOneEvent(t *testing.T) {
	b := New(4, nil)
	sub := b.Replay(model.ProgressEvent{JobID: "done", Sequence: 9, Status: model.StatusFailed, Percent: 130, Terminal: true})

	ev, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, int64(9), ev.Sequence)
	assert.Equal(t, 100, ev.Percent)
	_, ok = <-sub.C()
	assert.False(t, ok)
	sub.Close()
	assert.Equal(t, 0, b.Subscribers("done"))
}
