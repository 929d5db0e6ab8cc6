// Package broadcast fans job progress events out to subscribers.
//
// Publishing never blocks: every subscriber owns a bounded buffer and is
// dropped when the buffer overflows. A new subscriber first receives the
// latest snapshot for the job, then live events, and its stream ends after
// the terminal event.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"ferry/internal/cache"
	"ferry/internal/model"
)

const DefaultBuffer = 64

// Snapshots persists and restores the latest event per job
type Snapshots interface {
	Add(ev model.ProgressEvent)
	Load(ctx context.Context, jobID string) (model.ProgressEvent, error)
}

type topic struct {
	last model.ProgressEvent
	has  bool
	subs map[*Subscription]struct{}
}

type Broadcaster struct {
	mu        sync.Mutex
	topics    map[string]*topic
	buffer    int
	snapshots Snapshots
}

// New creates a Broadcaster. snapshots may be nil, in which case late
// subscribers only see state held by this process.
func New(buffer int, snapshots Snapshots) *Broadcaster {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		topics:    make(map[string]*topic),
		buffer:    buffer,
		snapshots: snapshots,
	}
}

// Subscription is one listener's view of a job's event stream
type Subscription struct {
	jobID string
	ch    chan model.ProgressEvent
	b     *Broadcaster

	once    sync.Once
	dropped bool
}

// C returns the event stream. It is closed after the terminal event, when the
// subscriber falls behind, or after Close.
func (s *Subscription) C() <-chan model.ProgressEvent {
	return s.ch
}

// Dropped reports whether the stream was closed because the subscriber fell behind
func (s *Subscription) Dropped() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.detach(s)
}

// Subscribe registers a listener for jobID. The subscription is closed when
// ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) *Subscription {
	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan model.ProgressEvent, b.buffer),
		b:     b,
	}

	b.mu.Lock()
	t, ok := b.topics[jobID]
	b.mu.Unlock()

	// Seed from the snapshot store outside the lock; it may hit the network
	var seed model.ProgressEvent
	var seeded bool
	if !ok && b.snapshots != nil {
		ev, err := b.snapshots.Load(ctx, jobID)
		switch {
		case err == nil:
			seed, seeded = ev, true
		case !errors.Is(err, cache.ErrCacheMiss):
			log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to load progress snapshot")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok = b.topics[jobID]
	if !ok {
		if seeded && seed.Terminal {
			sub.ch <- seed
			sub.once.Do(func() { close(sub.ch) })
			return sub
		}
		t = &topic{subs: make(map[*Subscription]struct{})}
		if seeded {
			t.last, t.has = seed, true
		}
		b.topics[jobID] = t
	}

	if t.has {
		sub.ch <- t.last
	}
	t.subs[sub] = struct{}{}

	context.AfterFunc(ctx, sub.Close)

	return sub
}

// Replay returns a finished subscription that yields ev once. It serves
// streams of jobs that ended before the subscriber arrived.
func (b *Broadcaster) Replay(ev model.ProgressEvent) *Subscription {
	sub := &Subscription{
		jobID: ev.JobID,
		ch:    make(chan model.ProgressEvent, 1),
		b:     b,
	}
	sub.ch <- clamp(ev)
	sub.once.Do(func() { close(sub.ch) })
	return sub
}

// Publish delivers ev to every current subscriber of its job. Events that do
// not advance the sequence are ignored, and percent never moves backwards.
func (b *Broadcaster) Publish(ev model.ProgressEvent) {
	ev = clamp(ev)

	b.mu.Lock()
	t, ok := b.topics[ev.JobID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[ev.JobID] = t
	}

	if t.has {
		if ev.Sequence <= t.last.Sequence {
			b.mu.Unlock()
			log.Debug().Str("jobID", ev.JobID).Int64("sequence", ev.Sequence).Msg("Ignoring stale progress event")
			return
		}
		if ev.Percent < t.last.Percent {
			ev.Percent = t.last.Percent
		}
	}
	t.last, t.has = ev, true

	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			b.detach(sub)
			log.Warn().Str("jobID", ev.JobID).Msg("Dropping slow progress subscriber")
		}
	}

	if ev.Terminal {
		for sub := range t.subs {
			b.detach(sub)
		}
		delete(b.topics, ev.JobID)
	}
	b.mu.Unlock()

	if b.snapshots != nil {
		b.snapshots.Add(ev)
	}
}

// Snapshot returns the latest event published for jobID in this process
func (b *Broadcaster) Snapshot(jobID string) (model.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok || !t.has {
		return model.ProgressEvent{}, false
	}
	return t.last, true
}

// Subscribers returns the number of live subscriptions for jobID
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}

// detach must be called with b.mu held
func (b *Broadcaster) detach(sub *Subscription) {
	sub.once.Do(func() { close(sub.ch) })

	t, ok := b.topics[sub.jobID]
	if !ok {
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 && !t.has {
		delete(b.topics, sub.jobID)
	}
}

func clamp(ev model.ProgressEvent) model.ProgressEvent {
	if ev.Percent < 0 {
		ev.Percent = 0
	}
	if ev.Percent > 100 {
		ev.Percent = 100
	}
	return ev
}
