package processor

import (
	"context"

	"github.com/rs/zerolog/log"

	"ferry/internal/model"
)

const DefaultErrorSamples = 10

// Reporter records and publishes progress of a running job
type Reporter interface {
	Report(ctx context.Context, jobID string, result model.JobResult, samples []model.RowError) (model.ProgressEvent, error)
}

// Tracker accumulates chunk tallies into the job result and reports after
// every chunk. On a retried attempt, reports are held back until the attempt
// passes the row count an earlier attempt already published, so subscribers
// never see counts go backwards.
type Tracker struct {
	reporter   Reporter
	jobID      string
	floor      int
	maxSamples int
	result     model.JobResult
}

// NewTracker starts tracking job. The job's stored result is the high-water
// mark from previous attempts.
func NewTracker(reporter Reporter, job *model.Job, maxSamples int) *Tracker {
	if maxSamples <= 0 {
		maxSamples = DefaultErrorSamples
	}
	return &Tracker{
		reporter:   reporter,
		jobID:      job.ID,
		floor:      job.Result.RowsProcessed,
		maxSamples: maxSamples,
	}
}

// Begin resets the counters for a new attempt
func (t *Tracker) Begin(total int) {
	t.result = model.JobResult{TotalRows: total}
}

func (t *Tracker) SetMapping(unmapped []string, suggested []model.FieldMapping) {
	t.result.Unmapped = unmapped
	t.result.Suggested = suggested
}

// Chunk folds one chunk's tally into the result and reports it
func (t *Tracker) Chunk(ctx context.Context, tally Tally) {
	r := &t.result
	r.RowsSucceeded += tally.Succeeded
	r.RowsWarned += tally.Warned
	r.RowsFailed += tally.Failed
	r.RowsProcessed += tally.Processed()
	r.ChunksComplete++
	r.HasWarnings = r.RowsWarned > 0 || r.RowsFailed > 0
	if r.RowsProcessed > r.TotalRows {
		r.TotalRows = r.RowsProcessed
	}

	samples := tally.Errors
	if len(samples) > t.maxSamples {
		samples = samples[:t.maxSamples]
	}
	if room := t.maxSamples - len(r.ErrorSamples); room > 0 {
		take := samples
		if len(take) > room {
			take = take[:room]
		}
		r.ErrorSamples = append(r.ErrorSamples, take...)
	}

	if r.RowsProcessed <= t.floor {
		log.Debug().
			Str("jobID", t.jobID).
			Int("processed", r.RowsProcessed).
			Int("published", t.floor).
			Msg("Holding back progress of replayed rows")
		return
	}

	if t.reporter == nil {
		return
	}
	if _, err := t.reporter.Report(ctx, t.jobID, t.result.Clone(), samples); err != nil {
		log.Warn().Err(err).Str("jobID", t.jobID).Msg("Failed to report progress")
	}
}

// Result returns a copy of the accumulated result
func (t *Tracker) Result() model.JobResult {
	return t.result.Clone()
}
