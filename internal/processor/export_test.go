package processor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/database"
	"ferry/internal/model"
)

func seedPeople(t *testing.T, db *database.Memory, n int) {
	t.Helper()
	records := make([]model.StoredRecord, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, model.StoredRecord{
			Key:      fmt.Sprintf("people:%04d", i),
			SchemaID: "people",
			Fields: map[string]any{
				"id":     int64(i),
				"name":   fmt.Sprintf("person %d", i),
				"joined": time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			},
		})
	}
	require.NoError(t, db.UpsertRecords(context.Background(), "people", records))
}

func exportJob(filter model.QueryFilter) *model.Job {
	return &model.Job{
		ID:       "export-1",
		Kind:     model.KindExport,
		Status:   model.StatusProcessing,
		Attempts: 1,
		Payload:  model.JobPayload{TemplateID: "people-basic", Filter: filter},
	}
}

func newExport(t *testing.T, records database.RecordDatabase, sink Sink, chunk int) *ExportProcessor {
	t.Helper()
	return NewExportProcessor(testRegistry(t), newTransformer(), records, sink, Settings{
		ChunkSize:      chunk,
		StorageTimeout: time.Second,
	})
}

func TestExportRendersArtifact(t *testing.T) {
	db := database.NewMemory()
	seedPeople(t, db, 25)
	sink := &memSink{}
	p := newExport(t, db, sink, 10)
	reporter := &fakeReporter{}

	result, err := p.Process(context.Background(), newTask(exportJob(model.QueryFilter{}), reporter, nil))
	require.NoError(t, err)

	assert.Equal(t, 25, result.TotalRows)
	assert.Equal(t, 25, result.RowsProcessed)
	assert.Equal(t, 25, result.RowsSucceeded)
	assert.Equal(t, 3, result.ChunksComplete)
	assert.Equal(t, "mem://exports/export-1.csv", result.OutputLocation)
	assert.Len(t, reporter.all(), 3)

	body := string(sink.objects["exports/export-1.csv"])
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 26)
	assert.Equal(t, "ID,Name,Joined", strings.TrimSpace(lines[0]))
	assert.Equal(t, "1,PERSON 1,2024-02-01", strings.TrimSpace(lines[1]))
}

func TestExportAppliesFilter(t *testing.T) {
	db := database.NewMemory()
	seedPeople(t, db, 30)
	p := newExport(t, db, &memSink{}, 10)

	filter := model.QueryFilter{Conditions: []model.Condition{{Field: "id", Op: model.OpGt, Value: "20"}}}
	result, err := p.Process(context.Background(), newTask(exportJob(filter), &fakeReporter{}, nil))
	require.NoError(t, err)
	assert.Equal(t, 10, result.TotalRows)
	assert.Equal(t, 10, result.RowsProcessed)

	bad := model.QueryFilter{Conditions: []model.Condition{{Field: "salary", Op: model.OpGt, Value: 1}}}
	_, err = p.Process(context.Background(), newTask(exportJob(bad), &fakeReporter{}, nil))
	assert.Equal(t, model.ClassConfig, model.Classify(err))
}

func TestExportCancelledAfterThreeChunks(t *testing.T) {
	db := database.NewMemory()
	seedPeople(t, db, 1000)
	records := &countingRecords{RecordDatabase: db}
	sink := &memSink{}
	p := newExport(t, records, sink, 100)

	var cancelled atomic.Bool
	reporter := &fakeReporter{}
	reporter.onReport = func(result model.JobResult, _ []model.RowError) {
		if result.ChunksComplete == 3 {
			cancelled.Store(true)
		}
	}

	result, err := p.Process(context.Background(), newTask(exportJob(model.QueryFilter{}), reporter, cancelled.Load))
	assert.ErrorIs(t, err, model.ErrCancelled)

	assert.Equal(t, 1000, result.TotalRows)
	assert.Equal(t, 300, result.RowsProcessed)
	assert.Equal(t, 3, result.ChunksComplete)
	assert.Equal(t, 3, records.count(), "no chunk after the third may be read")
	assert.Len(t, reporter.all(), 3)
	assert.Equal(t, 0, sink.count(), "cancelled exports leave no artifact")
	assert.Empty(t, result.OutputLocation)
}

func TestExportUnknownTemplate(t *testing.T) {
	p := newExport(t, database.NewMemory(), &memSink{}, 10)
	job := exportJob(model.QueryFilter{})
	job.Payload.TemplateID = "missing"

	_, err := p.Process(context.Background(), newTask(job, &fakeReporter{}, nil))
	assert.Equal(t, model.ClassConfig, model.Classify(err))
}

func TestExportFailsAboveThreshold(t *testing.T) {
	db := database.NewMemory()
	seedPeople(t, db, 20)
	sink := &memSink{}
	p := newExport(t, db, sink, 5)
	job := exportJob(model.QueryFilter{})
	job.Payload.TemplateID = "people-numbered"
	reporter := &fakeReporter{}

	result, err := p.Process(context.Background(), newTask(job, reporter, nil))
	require.Error(t, err)
	assert.Equal(t, model.ClassTransform, model.Classify(err))
	assert.False(t, model.IsRetryable(err))

	assert.Equal(t, 20, result.RowsProcessed)
	assert.Equal(t, 20, result.RowsFailed)
	assert.Equal(t, 4, result.ChunksComplete)
	assert.Len(t, reporter.all(), 4)
	assert.Equal(t, 0, sink.count(), "failed exports leave no artifact")
	assert.Empty(t, result.OutputLocation)
}
