// Package orchestrator runs a fixed number of workers that lease jobs from
// the queue and drive them through the processor registered for their kind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ferry/internal/model"
	"ferry/internal/processor"
	"ferry/internal/queue"
)

const DefaultWorkers = 4

// dequeueBackoff is how long a worker waits after the store refused a lease
const dequeueBackoff = time.Second

// JobQueue is the part of the queue a worker needs
type JobQueue interface {
	processor.Reporter
	Dequeue(ctx context.Context) (*queue.Lease, error)
	Complete(ctx context.Context, jobID string, result model.JobResult) error
	Fail(ctx context.Context, jobID string, result model.JobResult, err error) error
}

type Pool struct {
	queue      JobQueue
	registry   *processor.Registry
	workers    int
	maxSamples int

	active atomic.Int32
}

func NewPool(q JobQueue, registry *processor.Registry, workers, maxSamples int) *Pool {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Pool{
		queue:      q,
		registry:   registry,
		workers:    workers,
		maxSamples: maxSamples,
	}
}

// Active returns the number of jobs being processed right now
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) Workers() int {
	return p.workers
}

// Run blocks until ctx is done or the queue closes. Jobs interrupted by
// shutdown are left PROCESSING for queue recovery on the next start.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	log.Info().
		Int("workers", p.workers).
		Interface("kinds", p.registry.Kinds()).
		Msg("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.work(gctx, id)
		})
	}

	err := g.Wait()
	log.Info().Msg("Worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, id int) error {
	logger := log.With().Int("worker", id).Logger()

	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("Failed to lease job")
			select {
			case <-time.After(dequeueBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		p.run(ctx, lease)
	}
}

// run executes one attempt and hands the outcome back to the queue, which
// persists the transition before publishing the terminal event
func (p *Pool) run(ctx context.Context, lease *queue.Lease) {
	job := lease.Job
	logger := log.With().Str("jobID", job.ID).Str("kind", string(job.Kind)).Int("attempt", job.Attempts).Logger()

	p.active.Add(1)
	defer p.active.Add(-1)

	proc, ok := p.registry.Get(job.Kind)
	if !ok {
		err := model.ConfigErrorf("no processor registered for kind %q", job.Kind)
		if ferr := p.queue.Fail(ctx, job.ID, job.Result, err); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to fail job")
		}
		return
	}

	task := &processor.Task{
		Job:       job,
		Cancelled: lease.Cancelled,
		Tracker:   processor.NewTracker(p.queue, job, p.maxSamples),
	}

	start := time.Now()
	result, err := execute(ctx, proc, task)

	if ctx.Err() != nil {
		logger.Warn().Err(err).Msg("Shutdown interrupted job, it resumes after restart")
		return
	}

	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Job attempt failed")
		if ferr := p.queue.Fail(ctx, job.ID, result, err); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to record job failure")
		}
		return
	}

	if cerr := p.queue.Complete(ctx, job.ID, result); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to complete job")
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Job attempt finished")
}

// execute turns a processor panic into a system error so the worker survives
func execute(ctx context.Context, proc processor.Processor, task *processor.Task) (result model.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = task.Tracker.Result()
			err = model.SystemError(proc.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	return proc.Process(ctx, task)
}
