package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ferry/internal/model"
)

var _ Database = (*Memory)(nil)

// Memory is an in-process Database used in development and tests
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*model.Job
	records map[string]map[string]model.StoredRecord
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*model.Job),
		records: make(map[string]map[string]model.StoredRecord),
	}
}

func (m *Memory) Health() error {
	return nil
}

func (m *Memory) Close(context.Context) error {
	return nil
}

func (m *Memory) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJobByID(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) SaveJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status.IsTerminal() {
		return ErrTerminal
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) UpdateJobProgress(_ context.Context, id string, result model.JobResult, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != model.StatusProcessing {
		return ErrTerminal
	}
	stored.Result = result.Clone()
	if sequence > stored.Sequence {
		stored.Sequence = sequence
	}
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListJobs(_ context.Context, filter JobFilter, limit, offset int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Job
	for _, job := range m.jobs {
		if !matchesJob(job, filter) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func matchesJob(job *model.Job, filter JobFilter) bool {
	if filter.Kind != "" && job.Kind != filter.Kind {
		return false
	}
	if filter.Principal != "" && job.Principal != filter.Principal {
		return false
	}
	if len(filter.Statuses) == 0 {
		return true
	}
	for _, s := range filter.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

func (m *Memory) CountJobsByStatus(_ context.Context, status model.JobStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, job := range m.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertRecords(_ context.Context, collection string, records []model.StoredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.records[collection]
	if !ok {
		col = make(map[string]model.StoredRecord)
		m.records[collection] = col
	}
	for _, r := range records {
		fields := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		r.Fields = fields
		col[r.Key] = r
	}
	return nil
}

func (m *Memory) matching(collection string, filter model.QueryFilter) ([]model.StoredRecord, error) {
	for _, c := range filter.Conditions {
		if !c.Op.Valid() {
			return nil, model.ConfigErrorf("unsupported filter operator %q", c.Op)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.StoredRecord
	for _, r := range m.records[collection] {
		if matchesRecord(r, filter.Conditions) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) QueryRecords(_ context.Context, collection string, filter model.QueryFilter) (RecordCursor, error) {
	recs, err := m.matching(collection, filter)
	if err != nil {
		return nil, err
	}
	return &SliceCursor{Records: recs}, nil
}

func (m *Memory) CountRecords(_ context.Context, collection string, filter model.QueryFilter) (int64, error) {
	recs, err := m.matching(collection, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// Records returns a snapshot of a collection keyed by record key
func (m *Memory) Records(collection string) map[string]model.StoredRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.StoredRecord, len(m.records[collection]))
	for k, v := range m.records[collection] {
		out[k] = v
	}
	return out
}

// SliceCursor serves records from memory
type SliceCursor struct {
	Records []model.StoredRecord
	pos     int
}

func (c *SliceCursor) Next(_ context.Context, n int) ([]model.StoredRecord, error) {
	end := c.pos + n
	if end > len(c.Records) {
		end = len(c.Records)
	}
	out := c.Records[c.pos:end]
	c.pos = end
	return out, nil
}

func (c *SliceCursor) Close(context.Context) error {
	return nil
}

func matchesRecord(r model.StoredRecord, conds []model.Condition) bool {
	for _, c := range conds {
		v := r.Fields[c.Field]
		switch c.Op {
		case model.OpIn:
			items, ok := c.Value.([]any)
			if !ok {
				return false
			}
			found := false
			for _, item := range items {
				if cmp, ok := compare(v, item); ok && cmp == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case model.OpNe:
			if cmp, ok := compare(v, c.Value); ok && cmp == 0 {
				return false
			}
		default:
			cmp, ok := compare(v, c.Value)
			if !ok {
				return false
			}
			switch c.Op {
			case model.OpEq:
				if cmp != 0 {
					return false
				}
			case model.OpGt:
				if cmp <= 0 {
					return false
				}
			case model.OpGte:
				if cmp < 0 {
					return false
				}
			case model.OpLt:
				if cmp >= 0 {
					return false
				}
			case model.OpLte:
				if cmp > 0 {
					return false
				}
			}
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// compare orders two values of compatible types. Numbers compare across
// integer and float representations.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
	}
	return 0, false
}
