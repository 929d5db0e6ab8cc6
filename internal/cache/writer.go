package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ferry/internal/model"
)

const (
	DefaultFlushInterval = 250 * time.Millisecond
	writeTimeout         = 2 * time.Second
)

// SnapshotWriter coalesces snapshots per job and writes them to the store in
// the background, so publishing progress never waits on the network. Terminal
// events trigger an immediate flush.
type SnapshotWriter struct {
	store    SnapshotStore
	ttl      time.Duration
	interval time.Duration

	mu      sync.Mutex
	pending map[string]model.ProgressEvent

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewSnapshotWriter(store SnapshotStore, ttl, interval time.Duration) *SnapshotWriter {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	w := &SnapshotWriter{
		store:    store,
		ttl:      ttl,
		interval: interval,
		pending:  make(map[string]model.ProgressEvent),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Add records ev as the latest snapshot for its job. It never blocks on I/O.
func (w *SnapshotWriter) Add(ev model.ProgressEvent) {
	w.mu.Lock()
	if cur, ok := w.pending[ev.JobID]; !ok || ev.Sequence > cur.Sequence {
		w.pending[ev.JobID] = ev
	}
	w.mu.Unlock()

	if ev.Terminal {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Load returns a pending snapshot if one is buffered, otherwise the stored one
func (w *SnapshotWriter) Load(ctx context.Context, jobID string) (model.ProgressEvent, error) {
	w.mu.Lock()
	ev, ok := w.pending[jobID]
	w.mu.Unlock()
	if ok {
		return ev, nil
	}
	return w.store.LoadSnapshot(ctx, jobID)
}

// Close flushes pending snapshots and stops the writer
func (w *SnapshotWriter) Close() {
	close(w.done)
	w.wg.Wait()
}

func (w *SnapshotWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			w.flush()
			return
		case <-w.kick:
			w.flush()
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *SnapshotWriter) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]model.ProgressEvent, len(batch))
	w.mu.Unlock()

	for jobID, ev := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.store.SaveSnapshot(ctx, ev, w.ttl)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("jobID", jobID).Int64("sequence", ev.Sequence).Msg("Failed to persist progress snapshot")
		}
	}
}
