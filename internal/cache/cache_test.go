package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/model"
)

func TestMemoryCacheKeepsNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, err := c.LoadSnapshot(ctx, "job")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.SaveSnapshot(ctx, model.ProgressEvent{JobID: "job", Sequence: 5, Processed: 50}, time.Minute))
	require.NoError(t, c.SaveSnapshot(ctx, model.ProgressEvent{JobID: "job", Sequence: 3, Processed: 30}, time.Minute))

	ev, err := c.LoadSnapshot(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, int64(5), ev.Sequence)
	assert.Equal(t, 50, ev.Processed)

	require.NoError(t, c.DeleteSnapshot(ctx, "job"))
	_, err = c.LoadSnapshot(ctx, "job")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.SaveSnapshot(ctx, model.ProgressEvent{JobID: "job", Sequence: 1}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := c.LoadSnapshot(ctx, "job")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

type recordingStore struct {
	*MemoryCache
	mu    sync.Mutex
	saves int
}

func (r *recordingStore) SaveSnapshot(ctx context.Context, ev model.ProgressEvent, ttl time.Duration) error {
	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	return r.MemoryCache.SaveSnapshot(ctx, ev, ttl)
}

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func TestSnapshotWriterCoalesces(t *testing.T) {
	store := &recordingStore{MemoryCache: NewMemoryCache()}
	w := NewSnapshotWriter(store, time.Minute, time.Hour)

	for i := int64(1); i <= 100; i++ {
		w.Add(model.ProgressEvent{JobID: "job", Sequence: i, Processed: int(i)})
	}

	ev, err := w.Load(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ev.Sequence)

	w.Close()

	assert.Equal(t, 1, store.count())
	stored, err := store.LoadSnapshot(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Processed)
}

func TestSnapshotWriterFlushesTerminalEvents(t *testing.T) {
	store := NewMemoryCache()
	w := NewSnapshotWriter(store, time.Minute, time.Hour)
	defer w.Close()

	w.Add(model.ProgressEvent{JobID: "job", Sequence: 9, Status: model.StatusSucceeded, Terminal: true})

	assert.Eventually(t, func() bool {
		ev, err := store.LoadSnapshot(context.Background(), "job")
		return err == nil && ev.Terminal
	}, time.Second, 5*time.Millisecond)
}
