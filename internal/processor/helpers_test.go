package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ferry/internal/database"
	"ferry/internal/model"
	"ferry/internal/schema"
	"ferry/internal/transform"
)

const peopleYAML = `
schemas:
  - id: people
    collection: people
    natural_key: [id]
    fields:
      - name: id
        type: int
        required: true
      - name: name
      - name: email
      - name: joined
        type: date
    rules:
      - field: email
        kind: required
      - field: email
        kind: custom
        custom: email
        severity: warning
    mapping:
      field_mappings:
        - source: ID
          target: id
        - source: Full Name
          target: name
          transform: trim
        - source: Email
          target: email
          transform: lower
        - source: Joined
          target: joined
templates:
  - id: people-basic
    schema: people
    format: csv
    columns:
      - field: id
        header: ID
      - field: name
        header: Name
        transform: upper
      - field: joined
        header: Joined
  - id: people-numbered
    schema: people
    format: csv
    columns:
      - field: id
        header: ID
      - field: name
        header: Number
        transform: int
`

func threshold(v float64) *float64 { return &v }

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := schema.Parse([]byte(peopleYAML), nil, nil)
	require.NoError(t, err)
	return r
}

// peopleCSV builds n rows; rows listed in missingEmail get an empty email
func peopleCSV(n int, missingEmail func(line int) bool) string {
	var b strings.Builder
	b.WriteString("ID,Full Name,Email,Joined\n")
	for i := 1; i <= n; i++ {
		email := fmt.Sprintf("User%d@Example.com", i)
		if missingEmail != nil && missingEmail(i) {
			email = ""
		}
		fmt.Fprintf(&b, "%d, Person %d ,%s,2024-01-%02d\n", i, i, email, i%28+1)
	}
	return b.String()
}

type memSource map[string]string

func (m memSource) Open(_ context.Context, location string) (io.ReadCloser, error) {
	body, ok := m[location]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", location, fs.ErrNotExist)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type memSink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memSink) Upload(_ context.Context, name string, r io.Reader, _ string) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[name] = buf.Bytes()
	return "mem://" + name, nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type reporterFunc func(result model.JobResult, samples []model.RowError)

type fakeReporter struct {
	mu       sync.Mutex
	reports  []model.JobResult
	onReport reporterFunc
}

func (r *fakeReporter) Report(_ context.Context, jobID string, result model.JobResult, samples []model.RowError) (model.ProgressEvent, error) {
	r.mu.Lock()
	r.reports = append(r.reports, result)
	n := len(r.reports)
	hook := r.onReport
	r.mu.Unlock()
	if hook != nil {
		hook(result, samples)
	}
	return model.ProgressEvent{JobID: jobID, Sequence: int64(n), Processed: result.RowsProcessed}, nil
}

func (r *fakeReporter) all() []model.JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.JobResult(nil), r.reports...)
}

// flakyRecords fails the first n upserts with a deadline error
type flakyRecords struct {
	database.RecordDatabase
	mu       sync.Mutex
	failures int
}

func (f *flakyRecords) UpsertRecords(ctx context.Context, collection string, records []model.StoredRecord) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return context.DeadlineExceeded
	}
	f.mu.Unlock()
	return f.RecordDatabase.UpsertRecords(ctx, collection, records)
}

// countingRecords counts cursor reads
type countingRecords struct {
	database.RecordDatabase
	mu    sync.Mutex
	reads int
}

func (c *countingRecords) QueryRecords(ctx context.Context, collection string, filter model.QueryFilter) (database.RecordCursor, error) {
	cur, err := c.RecordDatabase.QueryRecords(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	return &countingCursor{RecordCursor: cur, parent: c}, nil
}

func (c *countingRecords) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

type countingCursor struct {
	database.RecordCursor
	parent *countingRecords
}

func (c *countingCursor) Next(ctx context.Context, n int) ([]model.StoredRecord, error) {
	batch, err := c.RecordCursor.Next(ctx, n)
	if len(batch) > 0 {
		c.parent.mu.Lock()
		c.parent.reads++
		c.parent.mu.Unlock()
	}
	return batch, err
}

func newTask(job *model.Job, reporter Reporter, cancelled func() bool) *Task {
	return &Task{
		Job:       job,
		Cancelled: cancelled,
		Tracker:   NewTracker(reporter, job, 5),
	}
}

func importJob(source string) *model.Job {
	return &model.Job{
		ID:       "job-1",
		Kind:     model.KindImport,
		Status:   model.StatusProcessing,
		Attempts: 1,
		Payload:  model.JobPayload{Source: source, SchemaID: "people"},
	}
}

func newTransformer() *transform.Transformer {
	return transform.New(nil)
}
