package processor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/database"
	"ferry/internal/model"
)

func newImport(t *testing.T, source memSource, records database.RecordDatabase, chunk int) *ImportProcessor {
	t.Helper()
	return NewImportProcessor(testRegistry(t), newTransformer(), source, records, Settings{
		ChunkSize:        chunk,
		FailureThreshold: threshold(0.10),
		StorageTimeout:   time.Second,
	})
}

func TestImportCountsRequiredViolations(t *testing.T) {
	db := database.NewMemory()
	src := memSource{"people.csv": peopleCSV(1000, func(line int) bool { return line >= 501 && line <= 520 })}
	p := newImport(t, src, db, 100)
	reporter := &fakeReporter{}

	result, err := p.Process(context.Background(), newTask(importJob("people.csv"), reporter, nil))
	require.NoError(t, err)

	assert.Equal(t, 1000, result.TotalRows)
	assert.Equal(t, 1000, result.RowsProcessed)
	assert.Equal(t, 980, result.RowsSucceeded)
	assert.Equal(t, 20, result.RowsFailed)
	assert.Equal(t, result.RowsProcessed, result.RowsSucceeded+result.RowsFailed)
	assert.Equal(t, 10, result.ChunksComplete)
	assert.True(t, result.HasWarnings)
	require.Len(t, result.ErrorSamples, 5)
	assert.Equal(t, 501, result.ErrorSamples[0].Line)
	assert.Equal(t, "email", result.ErrorSamples[0].Field)
	assert.Equal(t, model.RuleRequired, result.ErrorSamples[0].Rule)

	stored := db.Records("people")
	assert.Len(t, stored, 980)
	rec, ok := stored["people:7"]
	require.True(t, ok)
	assert.Equal(t, int64(7), rec.Fields["id"])
	assert.Equal(t, "Person 7", rec.Fields["name"])
	assert.Equal(t, "user7@example.com", rec.Fields["email"])
	joined, ok := rec.Fields["joined"].(time.Time)
	require.True(t, ok)
	assert.True(t, joined.Equal(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)))

	reports := reporter.all()
	require.Len(t, reports, 10)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i].RowsProcessed, reports[i-1].RowsProcessed)
	}
	assert.Equal(t, 1000, reports[9].RowsProcessed)
}

func TestImportReplayIsIdempotent(t *testing.T) {
	db := database.NewMemory()
	src := memSource{"people.csv": peopleCSV(250, nil)}
	p := newImport(t, src, db, 100)

	first, err := p.Process(context.Background(), newTask(importJob("people.csv"), &fakeReporter{}, nil))
	require.NoError(t, err)
	before := db.Records("people")

	// second attempt after the first one already published its counts
	job := importJob("people.csv")
	job.Attempts = 2
	job.Result = first
	reporter := &fakeReporter{}
	second, err := p.Process(context.Background(), newTask(job, reporter, nil))
	require.NoError(t, err)

	after := db.Records("people")
	assert.Len(t, after, 250)
	assert.Equal(t, len(before), len(after))
	for key, rec := range before {
		assert.Equal(t, rec.Fields, after[key].Fields)
	}
	assert.Equal(t, first.RowsProcessed, second.RowsProcessed)
	assert.Empty(t, reporter.all(), "replayed rows must not be reported again")
}

func TestImportFailsAboveThreshold(t *testing.T) {
	src := memSource{"people.csv": peopleCSV(10, func(line int) bool { return line <= 3 })}
	p := newImport(t, src, database.NewMemory(), 100)

	result, err := p.Process(context.Background(), newTask(importJob("people.csv"), &fakeReporter{}, nil))
	require.Error(t, err)
	assert.Equal(t, model.ClassValidation, model.Classify(err))
	assert.False(t, model.IsRetryable(err))
	assert.Equal(t, 10, result.RowsProcessed)
	assert.Equal(t, 3, result.RowsFailed)
}

func TestImportZeroThresholdFailsOnAnyBadRow(t *testing.T) {
	src := memSource{"people.csv": peopleCSV(10, func(line int) bool { return line == 3 })}
	p := NewImportProcessor(testRegistry(t), newTransformer(), src, database.NewMemory(), Settings{
		ChunkSize:        100,
		FailureThreshold: threshold(0),
		StorageTimeout:   time.Second,
	})

	result, err := p.Process(context.Background(), newTask(importJob("people.csv"), &fakeReporter{}, nil))
	require.Error(t, err)
	assert.Equal(t, model.ClassValidation, model.Classify(err))
	assert.Equal(t, 1, result.RowsFailed)
}

func TestImportStorageFailureIsRetryable(t *testing.T) {
	records := &flakyRecords{RecordDatabase: database.NewMemory(), failures: 1}
	p := newImport(t, memSource{"people.csv": peopleCSV(250, nil)}, records, 100)

	result, err := p.Process(context.Background(), newTask(importJob("people.csv"), &fakeReporter{}, nil))
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))
	assert.Equal(t, 0, result.RowsProcessed)
}

func TestImportConfigErrors(t *testing.T) {
	p := newImport(t, memSource{"people.csv": peopleCSV(1, nil), "people.json": "{}"}, database.NewMemory(), 100)

	tests := []struct {
		name string
		job  func() *model.Job
	}{
		{name: "unknown schema", job: func() *model.Job {
			j := importJob("people.csv")
			j.Payload.SchemaID = "orders"
			return j
		}},
		{name: "missing source", job: func() *model.Job { return importJob("missing.csv") }},
		{name: "unsupported extension", job: func() *model.Job { return importJob("people.json") }},
		{name: "unknown mapping target", job: func() *model.Job {
			j := importJob("people.csv")
			j.Payload.MappingOverrides = []model.FieldMapping{{Source: "ID", Target: "nope"}}
			return j
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(context.Background(), newTask(tt.job(), &fakeReporter{}, nil))
			require.Error(t, err)
			assert.Equal(t, model.ClassConfig, model.Classify(err))
		})
	}
}

func TestImportObservesCancellationAtChunkBoundary(t *testing.T) {
	db := database.NewMemory()
	p := newImport(t, memSource{"people.csv": peopleCSV(500, nil)}, db, 100)

	var cancelled atomic.Bool
	reporter := &fakeReporter{}
	reporter.onReport = func(result model.JobResult, _ []model.RowError) {
		if result.ChunksComplete == 2 {
			cancelled.Store(true)
		}
	}

	result, err := p.Process(context.Background(), newTask(importJob("people.csv"), reporter, cancelled.Load))
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Equal(t, 200, result.RowsProcessed)
	assert.LessOrEqual(t, result.RowsProcessed, result.TotalRows)
	assert.Len(t, db.Records("people"), 200)
}

func TestEvaluateRowsKeepsOrder(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	out := EvaluateRows(items, func(i int) int { return i * 2 }, 8)
	for i, v := range out {
		assert.Equal(t, i*2, v)
	}
}
