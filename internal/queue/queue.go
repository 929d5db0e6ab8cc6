// Package queue is the durable job list: it orders runnable jobs, hands them
// to workers one attempt at a time, and applies the retry policy when an
// attempt fails.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ferry/internal/database"
	"ferry/internal/model"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueClosed = errors.New("queue closed")
	ErrNotRunning  = errors.New("job is not running")
)

// Publisher receives progress events for every job transition
type Publisher interface {
	Publish(ev model.ProgressEvent)
}

// Auditor receives lifecycle audit events. Record must not block.
type Auditor interface {
	Record(ev model.AuditEvent)
}

// Validator checks a job spec before it is accepted. It returns a config
// error for unknown schemas, templates or formats.
type Validator func(spec model.JobSpec) error

type Options struct {
	Policy    RetryPolicy
	Validate  Validator
	Publisher Publisher
	Audit     Auditor

	// StoreTimeout bounds the store write that leases a job
	StoreTimeout time.Duration
}

type entry struct {
	job    *model.Job
	seq    uint64
	index  int
	cancel *atomic.Bool
	timer  *time.Timer
}

// Lease is one attempt of a job handed to a worker
type Lease struct {
	Job    *model.Job
	cancel *atomic.Bool
}

// Cancelled reports whether cancellation was requested for the leased job
func (l *Lease) Cancelled() bool {
	return l.cancel.Load()
}

type Queue struct {
	store database.JobDatabase
	opts  Options

	mu       sync.Mutex
	entries  map[string]*entry
	ready    readyHeap
	inserted uint64
	signal   chan struct{}
	closed   bool
	done     chan struct{}

	now func() time.Time
}

// New creates a queue persisting jobs to store
func New(store database.JobDatabase, opts Options) *Queue {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy.MaxAttempts = DefaultMaxAttempts
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	return &Queue{
		store:   store,
		opts:    opts,
		entries: make(map[string]*entry),
		signal:  make(chan struct{}),
		done:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the retry policy in use
func (q *Queue) Policy() RetryPolicy {
	return q.opts.Policy
}

// Enqueue validates spec, persists it as a QUEUED job and returns without
// waiting for processing
func (q *Queue) Enqueue(ctx context.Context, spec model.JobSpec) (*model.Job, error) {
	if spec.Kind != model.KindImport && spec.Kind != model.KindExport {
		return nil, model.ConfigErrorf("unknown job kind %q", spec.Kind)
	}
	if spec.Payload.Format != "" && !spec.Payload.Format.Valid() {
		return nil, model.ConfigErrorf("unsupported format %q", spec.Payload.Format)
	}
	if q.opts.Validate != nil {
		if err := q.opts.Validate(spec); err != nil {
			return nil, err
		}
	}

	now := q.now()
	job := &model.Job{
		ID:          uuid.NewString(),
		Kind:        spec.Kind,
		Status:      model.StatusQueued,
		Priority:    spec.Priority,
		MaxAttempts: q.opts.Policy.MaxAttempts,
		Payload:     spec.Payload,
		Principal:   spec.Principal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.mu.Unlock()

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, model.SystemError("persist job", err)
	}

	q.mu.Lock()
	e := q.track(job)
	q.push(e)
	ev := q.event(job, false)
	out := job.Clone()
	q.mu.Unlock()

	log.Info().
		Str("jobID", job.ID).
		Str("kind", string(job.Kind)).
		Int("priority", job.Priority).
		Msg("Job enqueued")

	q.publish(ev)
	q.audit("job.enqueued", job, "")
	return out, nil
}

// Dequeue blocks until a job is runnable, ctx is done or the queue closes.
// The returned lease's job is PROCESSING with its attempt count incremented.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*entry)
			next := q.leased(e.job)
			q.mu.Unlock()

			lease, err := q.start(ctx, e, next)
			if err != nil {
				return nil, err
			}
			if lease == nil {
				// cancelled while the lease was being written
				continue
			}
			return lease, nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrQueueClosed
		}
	}
}

// leased returns the PROCESSING version of job for its next attempt
func (q *Queue) leased(job *model.Job) *model.Job {
	now := q.now()
	next := job.Clone()
	next.Status = model.StatusProcessing
	next.Attempts++
	next.UpdatedAt = now
	next.NextAttemptAt = nil
	if next.StartedAt == nil {
		next.StartedAt = &now
	}
	return next
}

// start persists the lease of e without holding q.mu. e has been popped from
// the ready heap, so no other worker can lease it meanwhile. A nil lease means
// the job was cancelled before the write completed.
func (q *Queue) start(ctx context.Context, e *entry, next *model.Job) (*Lease, error) {
	storeCtx, cancel := context.WithTimeout(ctx, q.opts.StoreTimeout)
	err := q.store.SaveJob(storeCtx, next)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()

	current := q.entries[next.ID] == e && e.job.Status == model.StatusQueued
	if err != nil {
		if !current {
			return nil, nil
		}
		log.Error().Err(err).Str("jobID", next.ID).Msg("Failed to mark job as processing")
		// put it back; the store is unavailable
		if !q.closed {
			q.push(e)
		}
		return nil, err
	}
	if !current {
		return nil, nil
	}

	next.Sequence = e.job.Sequence
	next.CancelRequested = e.job.CancelRequested
	e.job = next

	log.Info().
		Str("jobID", next.ID).
		Str("kind", string(next.Kind)).
		Int("attempt", next.Attempts).
		Msg("Job dequeued")

	return &Lease{Job: next.Clone(), cancel: e.cancel}, nil
}

// Report records progress of a running job and publishes it with the next
// sequence number
func (q *Queue) Report(ctx context.Context, jobID string, result model.JobResult, samples []model.RowError) (model.ProgressEvent, error) {
	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok || e.job.Status != model.StatusProcessing {
		q.mu.Unlock()
		return model.ProgressEvent{}, ErrNotRunning
	}
	e.job.Result = result.Clone()
	e.job.UpdatedAt = q.now()
	ev := q.event(e.job, false)
	ev.Errors = samples
	q.mu.Unlock()

	q.publish(ev)

	if err := q.store.UpdateJobProgress(ctx, jobID, result, ev.Sequence); err != nil && !errors.Is(err, database.ErrTerminal) {
		log.Warn().Err(err).Str("jobID", jobID).Int("processed", result.RowsProcessed).Msg("Failed to persist job progress")
	}
	return ev, nil
}

// Complete marks a running job SUCCEEDED
func (q *Queue) Complete(ctx context.Context, jobID string, result model.JobResult) error {
	return q.finish(ctx, jobID, model.StatusSucceeded, result, nil)
}

// Fail ends the current attempt of a running job with err. Cancellation ends
// the job as CANCELLED, retryable errors are re-queued after the backoff
// delay while attempts remain, and anything else fails the job.
func (q *Queue) Fail(ctx context.Context, jobID string, result model.JobResult, err error) error {
	class := model.Classify(err)
	if class == model.ClassCancelled {
		return q.finish(ctx, jobID, model.StatusCancelled, result, nil)
	}

	result.ErrorClass = class
	result.ErrorMessage = err.Error()

	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok || e.job.Status != model.StatusProcessing {
		q.mu.Unlock()
		return ErrNotRunning
	}
	result = highWater(e.job.Result, result)
	if class == model.ClassConfig && e.job.Attempts > 0 {
		// a job that cannot be configured never ran
		rolled := e.job.Clone()
		rolled.Attempts--
		e.job = rolled
	}
	retryable := model.IsRetryable(err)
	cancelled := e.cancel.Load()
	attempts := e.job.Attempts
	q.mu.Unlock()

	switch {
	case retryable && cancelled:
		result.ErrorClass, result.ErrorMessage = model.ClassCancelled, ""
		return q.finish(ctx, jobID, model.StatusCancelled, result, nil)
	case retryable && q.opts.Policy.ShouldRetry(attempts):
		return q.requeue(ctx, jobID, result, err)
	default:
		return q.finish(ctx, jobID, model.StatusFailed, result, err)
	}
}

func (q *Queue) requeue(ctx context.Context, jobID string, result model.JobResult, cause error) error {
	q.mu.Lock()
	e := q.entries[jobID]
	delay := q.opts.Policy.Delay(e.job.Attempts)
	at := q.now().Add(delay)

	next := e.job.Clone()
	next.Status = model.StatusQueued
	next.Result = result.Clone()
	next.UpdatedAt = q.now()
	next.NextAttemptAt = &at
	q.mu.Unlock()

	if err := q.store.SaveJob(ctx, next); err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to persist retry")
		return err
	}

	q.mu.Lock()
	e.job = next
	if e.cancel.Load() {
		next, ev, err := q.terminate(e, model.StatusCancelled, next.Result)
		q.mu.Unlock()
		if err != nil {
			return err
		}
		return q.commit(ctx, next, ev, nil)
	}
	q.schedule(e, delay)
	ev := q.event(next, false)
	q.mu.Unlock()

	log.Warn().
		Err(cause).
		Str("jobID", jobID).
		Int("attempt", next.Attempts).
		Dur("delay", delay).
		Msg("Job attempt failed, retry scheduled")

	q.publish(ev)
	q.audit("job.retry_scheduled", next, fmt.Sprintf("attempt %d failed: %v; next in %s", next.Attempts, cause, delay))
	return nil
}

// finish moves a job to a terminal status, persists it, then publishes the
// terminal event
func (q *Queue) finish(ctx context.Context, jobID string, status model.JobStatus, result model.JobResult, cause error) error {
	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrNotRunning
	}
	next, ev, err := q.terminate(e, status, result)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.commit(ctx, next, ev, cause)
}

// terminate must be called with q.mu held
func (q *Queue) terminate(e *entry, status model.JobStatus, result model.JobResult) (*model.Job, model.ProgressEvent, error) {
	if !model.CanTransition(e.job.Status, status) {
		return nil, model.ProgressEvent{}, fmt.Errorf("invalid transition %s -> %s for job %s", e.job.Status, status, e.job.ID)
	}

	now := q.now()
	next := e.job.Clone()
	next.Status = status
	next.Result = result.Clone()
	next.UpdatedAt = now
	next.CompletedAt = &now
	next.NextAttemptAt = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	q.ready.remove(e)
	e.job = next
	return next, q.event(next, true), nil
}

func (q *Queue) commit(ctx context.Context, job *model.Job, ev model.ProgressEvent, cause error) error {
	if err := q.store.SaveJob(ctx, job); err != nil && !errors.Is(err, database.ErrTerminal) {
		log.Error().Err(err).Str("jobID", job.ID).Str("status", string(job.Status)).Msg("Failed to persist terminal job status")
		q.publish(ev)
		return err
	}

	q.mu.Lock()
	delete(q.entries, job.ID)
	q.mu.Unlock()

	logEvent := log.Info()
	if job.Status == model.StatusFailed {
		logEvent = log.Error().Err(cause)
	}
	logEvent.
		Str("jobID", job.ID).
		Str("kind", string(job.Kind)).
		Str("status", string(job.Status)).
		Int("attempt", job.Attempts).
		Int("processed", job.Result.RowsProcessed).
		Int("failed", job.Result.RowsFailed).
		Msg("Job finished")

	q.publish(ev)
	q.audit("job."+string(job.Status), job, job.Result.ErrorMessage)
	return nil
}

// Cancel requests cooperative cancellation. Queued jobs are cancelled at
// once; running jobs stop at their next chunk boundary. Cancelling a
// terminal job is a no-op that returns the job as stored.
func (q *Queue) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok {
		q.mu.Unlock()
		return q.cancelStored(ctx, jobID)
	}

	switch e.job.Status {
	case model.StatusQueued:
		e.cancel.Store(true)
		next, ev, err := q.terminate(e, model.StatusCancelled, e.job.Result)
		q.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := q.commit(ctx, next, ev, nil); err != nil {
			return nil, err
		}
		return next.Clone(), nil

	case model.StatusProcessing:
		first := !e.cancel.Swap(true)
		next := e.job.Clone()
		next.CancelRequested = true
		next.UpdatedAt = q.now()
		e.job = next
		out := next.Clone()
		q.mu.Unlock()

		if first {
			if err := q.store.SaveJob(ctx, next); err != nil && !errors.Is(err, database.ErrTerminal) {
				log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to persist cancellation request")
			}
			log.Info().Str("jobID", jobID).Msg("Cancellation requested")
			q.audit("job.cancel_requested", next, "")
		}
		return out, nil

	default:
		out := e.job.Clone()
		q.mu.Unlock()
		return out, nil
	}
}

// cancelStored handles jobs this process does not own
func (q *Queue) cancelStored(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := q.store.GetJobByID(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || job.CancelRequested {
		return job, nil
	}

	job.CancelRequested = true
	job.UpdatedAt = q.now()
	if err := q.store.SaveJob(ctx, job); err != nil && !errors.Is(err, database.ErrTerminal) {
		return nil, err
	}
	q.audit("job.cancel_requested", job, "")
	return job, nil
}

// Get returns the current job record
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	q.mu.Lock()
	if e, ok := q.entries[jobID]; ok {
		out := e.job.Clone()
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()

	job, err := q.store.GetJobByID(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// List returns stored jobs matching filter, oldest first
func (q *Queue) List(ctx context.Context, filter database.JobFilter, limit, offset int) ([]*model.Job, error) {
	jobs, err := q.store.ListJobs(ctx, filter, limit, offset)
	if err != nil {
		return nil, err
	}

	// running jobs carry fresher counters in memory
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range jobs {
		if e, ok := q.entries[job.ID]; ok {
			jobs[i] = e.job.Clone()
		}
	}
	return jobs, nil
}

// Recover reloads unfinished jobs from the store. Interrupted attempts are
// re-queued while attempts remain and failed otherwise.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	jobs, err := q.store.ListJobs(ctx, database.JobFilter{
		Statuses: []model.JobStatus{model.StatusQueued, model.StatusProcessing},
	}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		q.mu.Lock()
		_, known := q.entries[job.ID]
		q.mu.Unlock()
		if known {
			continue
		}

		if job.Status == model.StatusProcessing {
			if !q.opts.Policy.ShouldRetry(job.Attempts) {
				q.mu.Lock()
				q.track(job)
				q.mu.Unlock()
				err := model.SystemError("attempt interrupted by shutdown", nil)
				result := job.Result
				result.ErrorClass = model.ClassSystem
				result.ErrorMessage = err.Error()
				if ferr := q.finish(ctx, job.ID, model.StatusFailed, result, err); ferr != nil {
					log.Error().Err(ferr).Str("jobID", job.ID).Msg("Failed to fail interrupted job")
				}
				continue
			}
			job.Status = model.StatusQueued
			job.UpdatedAt = q.now()
			if err := q.store.SaveJob(ctx, job); err != nil {
				log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to re-queue interrupted job")
				continue
			}
		}

		q.mu.Lock()
		e := q.track(job)
		if job.CancelRequested {
			e.cancel.Store(true)
		}
		var delay time.Duration
		if job.NextAttemptAt != nil {
			delay = job.NextAttemptAt.Sub(q.now())
		}
		if delay > 0 {
			q.schedule(e, delay)
		} else {
			q.push(e)
		}
		q.mu.Unlock()
		recovered++
	}

	log.Info().Int("jobs", recovered).Msg("Recovered unfinished jobs")
	return recovered, nil
}

// Pending returns the number of jobs waiting to run
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// Close wakes blocked workers and stops retry timers. Jobs stay in the store
// and are picked up by Recover on the next start.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	close(q.done)
}

// track must be called with q.mu held
func (q *Queue) track(job *model.Job) *entry {
	q.inserted++
	e := &entry{job: job, seq: q.inserted, index: -1, cancel: &atomic.Bool{}}
	q.entries[job.ID] = e
	return e
}

// push must be called with q.mu held
func (q *Queue) push(e *entry) {
	heap.Push(&q.ready, e)
	close(q.signal)
	q.signal = make(chan struct{})
}

// schedule must be called with q.mu held
func (q *Queue) schedule(e *entry, delay time.Duration) {
	e.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed || e.job.Status != model.StatusQueued || q.entries[e.job.ID] != e {
			return
		}
		e.timer = nil
		q.push(e)
	})
}

// event must be called with q.mu held. It advances the job's sequence.
func (q *Queue) event(job *model.Job, terminal bool) model.ProgressEvent {
	job.Sequence++
	ev := Snapshot(job)
	ev.Terminal = terminal
	ev.Timestamp = q.now()
	return ev
}

// Snapshot describes the job's current state as a progress event carrying
// its latest sequence number
func Snapshot(job *model.Job) model.ProgressEvent {
	r := job.Result
	ev := model.ProgressEvent{
		JobID:     job.ID,
		Sequence:  job.Sequence,
		Status:    job.Status,
		Attempt:   job.Attempts,
		Processed: r.RowsProcessed,
		Succeeded: r.RowsSucceeded,
		Failed:    r.RowsFailed,
		Total:     r.TotalRows,
		Percent:   Percent(r.RowsProcessed, r.TotalRows),
		Terminal:  job.Status.IsTerminal(),
		Message:   r.ErrorMessage,
		Timestamp: job.UpdatedAt,
	}
	if job.Status == model.StatusSucceeded {
		ev.Percent = 100
	}
	return ev
}

// highWater keeps the counts an earlier attempt already published when the
// failed attempt did not get past them
func highWater(published, result model.JobResult) model.JobResult {
	if published.RowsProcessed <= result.RowsProcessed {
		return result
	}
	kept := published.Clone()
	kept.ErrorClass, kept.ErrorMessage = result.ErrorClass, result.ErrorMessage
	return kept
}

// Percent is processed*100/total, capped at 100
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}

func (q *Queue) publish(ev model.ProgressEvent) {
	if q.opts.Publisher != nil {
		q.opts.Publisher.Publish(ev)
	}
}

func (q *Queue) audit(kind string, job *model.Job, detail string) {
	if q.opts.Audit == nil {
		return
	}
	q.opts.Audit.Record(model.AuditEvent{
		Type:      kind,
		JobID:     job.ID,
		Kind:      job.Kind,
		Principal: job.Principal,
		Detail:    detail,
		Timestamp: q.now(),
	})
}
