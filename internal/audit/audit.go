// Package audit records job lifecycle events without ever blocking the caller.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ferry/internal/model"
)

const (
	EventEnqueued        = "job.enqueued"
	EventCancelRequested = "job.cancel_requested"
	EventDenied          = "job.denied"
	EventSucceeded       = "job.succeeded"
	EventFailed          = "job.failed"
	EventCancelled       = "job.cancelled"
	EventRetryScheduled  = "job.retry_scheduled"
)

const DefaultBuffer = 1024

// Sink receives audit events. Record must return immediately.
type Sink interface {
	Record(ev model.AuditEvent)
}

// LogSink writes audit events to the process log
type LogSink struct {
	Level zerolog.Level
}

func (s LogSink) Record(ev model.AuditEvent) {
	log.WithLevel(s.Level).
		Str("audit", ev.Type).
		Str("jobID", ev.JobID).
		Str("kind", string(ev.Kind)).
		Str("principal", ev.Principal).
		Str("detail", ev.Detail).
		Time("at", ev.Timestamp).
		Msg("Audit event")
}

// Publisher delivers an encoded event to a message broker
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// RabbitSink buffers events in a bounded channel drained by one goroutine
// that publishes them as JSON, routed by event type. Events arriving while
// the buffer is full are dropped.
type RabbitSink struct {
	publisher Publisher
	events    chan model.AuditEvent
	dropped   atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRabbitSink(publisher Publisher, buffer int) *RabbitSink {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	s := &RabbitSink{
		publisher: publisher,
		events:    make(chan model.AuditEvent, buffer),
		done:      make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *RabbitSink) Record(ev model.AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		n := s.dropped.Add(1)
		log.Warn().Str("audit", ev.Type).Str("jobID", ev.JobID).Int64("dropped", n).Msg("Audit buffer full, dropping event")
	}
}

// Dropped returns how many events were discarded because the buffer was full
func (s *RabbitSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until the buffered ones are
// published. Events recorded after Close are discarded.
func (s *RabbitSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *RabbitSink) drain() {
	defer close(s.done)
	for ev := range s.events {
		body, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("audit", ev.Type).Msg("Failed to encode audit event")
			continue
		}
		if err := s.publisher.Publish(context.Background(), ev.Type, body); err != nil {
			log.Error().Err(err).Str("audit", ev.Type).Str("jobID", ev.JobID).Msg("Failed to publish audit event")
		}
	}
}

// Multi records every event to each sink in order
type Multi []Sink

func (m Multi) Record(ev model.AuditEvent) {
	for _, s := range m {
		s.Record(ev)
	}
}
