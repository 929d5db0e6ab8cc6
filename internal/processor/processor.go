// Package processor runs one attempt of an import or export job, chunk by
// chunk, reporting cumulative progress after each chunk.
package processor

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	"ferry/internal/model"
)

// Processor executes a single attempt of a job. It returns the result reached
// so far together with any job-level error; per-row problems are counted in
// the result rather than returned.
type Processor interface {
	Process(ctx context.Context, task *Task) (model.JobResult, error)

	// Kind returns the job kind this processor handles
	Kind() model.JobKind

	// Name returns the processor name
	Name() string
}

// Task is one leased attempt of a job
type Task struct {
	Job *model.Job

	// Cancelled is polled at every chunk boundary
	Cancelled func() bool

	Tracker *Tracker
}

func (t *Task) cancelled() bool {
	return t.Cancelled != nil && t.Cancelled()
}

// Source opens import inputs by location
type Source interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Sink stores finished export artifacts and returns their location
type Sink interface {
	Upload(ctx context.Context, name string, r io.Reader, contentType string) (string, error)
}

// Settings tunes chunked processing
type Settings struct {
	ChunkSize        int
	// FailureThreshold is the failed row ratio above which a job fails;
	// nil selects DefaultFailureThreshold and zero fails on any bad row
	FailureThreshold *float64
	StorageTimeout   time.Duration
	SuggestThreshold int
	RowConcurrency   int
}

const (
	DefaultChunkSize        = 500
	DefaultFailureThreshold = 0.10
	DefaultStorageTimeout   = 10 * time.Second
	DefaultSuggestThreshold = 70
)

func (s Settings) withDefaults() Settings {
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.FailureThreshold == nil {
		threshold := DefaultFailureThreshold
		s.FailureThreshold = &threshold
	}
	if s.StorageTimeout <= 0 {
		s.StorageTimeout = DefaultStorageTimeout
	}
	if s.SuggestThreshold <= 0 {
		s.SuggestThreshold = DefaultSuggestThreshold
	}
	return s
}

// openError classifies a failure to open an input: missing inputs never
// appear on retry, anything else might
func openError(location string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return model.ConfigErrorf("source %q not found", location)
	}
	return model.SystemError("open source "+location, err)
}

// storageError marks a failed storage call as retryable
func storageError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.SystemError(op+" timed out", err)
	}
	return model.SystemError(op, err)
}
