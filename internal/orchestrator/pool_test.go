package orchestrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/broadcast"
	"ferry/internal/database"
	"ferry/internal/model"
	"ferry/internal/processor"
	"ferry/internal/queue"
	"ferry/internal/schema"
	"ferry/internal/transform"
)

const contactsYAML = `
schemas:
  - id: contacts
    collection: contacts
    natural_key: [id]
    fields:
      - name: id
        type: int
        required: true
      - name: name
    mapping:
      field_mappings:
        - source: id
          target: id
        - source: name
          target: name
`

type files map[string]string

func (f files) Open(_ context.Context, location string) (io.ReadCloser, error) {
	body, ok := f[location]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", location, fs.ErrNotExist)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// timeoutRecords times out the upsert calls listed in failOn (1-based)
type timeoutRecords struct {
	database.RecordDatabase
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (r *timeoutRecords) UpsertRecords(ctx context.Context, collection string, records []model.StoredRecord) error {
	r.mu.Lock()
	r.calls++
	fail := r.failOn[r.calls]
	r.mu.Unlock()
	if fail {
		return context.DeadlineExceeded
	}
	return r.RecordDatabase.UpsertRecords(ctx, collection, records)
}

func contactsCSV(n int) string {
	var b strings.Builder
	b.WriteString("id,name\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d,contact %d\n", i, i)
	}
	return b.String()
}

type harness struct {
	db    *database.Memory
	queue *queue.Queue
	bus   *broadcast.Broadcaster
	pool  *Pool
}

func newHarness(t *testing.T, registry *processor.Registry) *harness {
	t.Helper()
	db := database.NewMemory()
	bus := broadcast.New(64, nil)
	q := queue.New(db, queue.Options{
		Policy:    queue.RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond},
		Publisher: bus,
	})
	t.Cleanup(q.Close)
	return &harness{db: db, queue: q, bus: bus, pool: NewPool(q, registry, 2, 5)}
}

func importRegistry(t *testing.T, src processor.Source, records database.RecordDatabase) *processor.Registry {
	t.Helper()
	schemas, err := schema.Parse([]byte(contactsYAML), nil, nil)
	require.NoError(t, err)
	return processor.NewRegistry(processor.NewImportProcessor(schemas, transform.New(nil), src, records, processor.Settings{
		ChunkSize:      100,
		StorageTimeout: time.Second,
	}))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func collect(t *testing.T, sub *broadcast.Subscription) []model.ProgressEvent {
	t.Helper()
	var events []model.ProgressEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not end, got %d events", len(events))
		}
	}
}

func TestPoolRetriesStorageTimeoutsUntilSuccess(t *testing.T) {
	db := database.NewMemory()
	// attempt 1 fails on its third chunk, attempt 2 on its second
	records := &timeoutRecords{RecordDatabase: db, failOn: map[int]bool{3: true, 5: true}}
	h := newHarness(t, importRegistry(t, files{"contacts.csv": contactsCSV(500)}, records))

	job, err := h.queue.Enqueue(context.Background(), model.JobSpec{
		Kind:    model.KindImport,
		Payload: model.JobPayload{Source: "contacts.csv", SchemaID: "contacts"},
	})
	require.NoError(t, err)

	sub := h.bus.Subscribe(context.Background(), job.ID)
	h.start(t)
	events := collect(t, sub)

	require.NotEmpty(t, events)
	assert.False(t, sub.Dropped())
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
		assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent)
	}
	last := events[len(events)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, model.StatusSucceeded, last.Status)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 3, last.Attempt)

	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, 500, stored.Result.RowsProcessed)
	assert.Equal(t, 500, stored.Result.RowsSucceeded)

	assert.Len(t, db.Records("contacts"), 500)
	records.mu.Lock()
	assert.Equal(t, 10, records.calls)
	records.mu.Unlock()
}

func TestPoolFailsAfterMaxAttempts(t *testing.T) {
	db := database.NewMemory()
	records := &timeoutRecords{RecordDatabase: db, failOn: map[int]bool{1: true, 2: true, 3: true}}
	h := newHarness(t, importRegistry(t, files{"contacts.csv": contactsCSV(50)}, records))

	job, err := h.queue.Enqueue(context.Background(), model.JobSpec{
		Kind:    model.KindImport,
		Payload: model.JobPayload{Source: "contacts.csv", SchemaID: "contacts"},
	})
	require.NoError(t, err)

	sub := h.bus.Subscribe(context.Background(), job.ID)
	h.start(t)
	events := collect(t, sub)

	last := events[len(events)-1]
	assert.Equal(t, model.StatusFailed, last.Status)

	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, model.ClassSystem, stored.Result.ErrorClass)
}

func TestPoolFailsJobsWithoutProcessor(t *testing.T) {
	h := newHarness(t, processor.NewRegistry())

	job, err := h.queue.Enqueue(context.Background(), model.JobSpec{
		Kind:    model.KindExport,
		Payload: model.JobPayload{TemplateID: "contacts-basic"},
	})
	require.NoError(t, err)

	sub := h.bus.Subscribe(context.Background(), job.ID)
	h.start(t)
	collect(t, sub)

	stored, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Equal(t, model.ClassConfig, stored.Result.ErrorClass)
}

type panicking struct{}

func (panicking) Process(context.Context, *processor.Task) (model.JobResult, error) {
	panic("boom")
}
func (panicking) Kind() model.JobKind { return model.KindExport }
func (panicking) Name() string        { return "panicking" }

func TestPoolSurvivesProcessorPanic(t *testing.T) {
	h := newHarness(t, processor.NewRegistry(panicking{}))

	job, err := h.queue.Enqueue(context.Background(), model.JobSpec{
		Kind:    model.KindExport,
		Payload: model.JobPayload{TemplateID: "contacts-basic"},
	})
	require.NoError(t, err)

	sub := h.bus.Subscribe(context.Background(), job.ID)
	h.start(t)
	events := collect(t, sub)

	assert.Equal(t, model.StatusFailed, events[len(events)-1].Status)
	assert.Eventually(t, func() bool { return h.pool.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, processor.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
