package model

import (
	"time"
)

// JobKind identifies which processor handles a job
type JobKind string

const (
	KindImport JobKind = "import"
	KindExport JobKind = "export"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed out of s
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// AllStatuses lists every job status in lifecycle order
var AllStatuses = []JobStatus{
	StatusQueued,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusCancelled,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions is the job state machine. PROCESSING -> QUEUED is the retry path.
var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusProcessing},
	{From: StatusQueued, To: StatusCancelled},
	{From: StatusQueued, To: StatusFailed},
	{From: StatusProcessing, To: StatusSucceeded},
	{From: StatusProcessing, To: StatusFailed},
	{From: StatusProcessing, To: StatusCancelled},
	{From: StatusProcessing, To: StatusQueued},
}

func CanTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// JobPayload describes what a job works on. Import jobs use Source, SchemaID,
// Format and MappingOverrides; export jobs use TemplateID, Format and Filter.
type JobPayload struct {
	Source           string         `bson:"source,omitempty" json:"source,omitempty"`
	SchemaID         string         `bson:"schema_id" json:"schema_id"`
	Format           Format         `bson:"format" json:"format"`
	MappingOverrides []FieldMapping `bson:"mapping_overrides,omitempty" json:"mapping_overrides,omitempty"`
	TemplateID       string         `bson:"template_id,omitempty" json:"template_id,omitempty"`
	Filter           QueryFilter    `bson:"filter" json:"filter"`
}

// JobResult summarises the outcome of the latest attempt
type JobResult struct {
	TotalRows      int            `bson:"total_rows" json:"total_rows"`
	RowsProcessed  int            `bson:"rows_processed" json:"rows_processed"`
	RowsSucceeded  int            `bson:"rows_succeeded" json:"rows_succeeded"`
	RowsFailed     int            `bson:"rows_failed" json:"rows_failed"`
	RowsWarned     int            `bson:"rows_warned" json:"rows_warned"`
	ChunksComplete int            `bson:"chunks_complete" json:"chunks_complete"`
	HasWarnings    bool           `bson:"has_warnings" json:"has_warnings"`
	OutputLocation string         `bson:"output_location,omitempty" json:"output_location,omitempty"`
	ErrorClass     ErrorClass     `bson:"error_class,omitempty" json:"error_class,omitempty"`
	ErrorMessage   string         `bson:"error_message,omitempty" json:"error_message,omitempty"`
	ErrorSamples   []RowError     `bson:"error_samples,omitempty" json:"error_samples,omitempty"`
	Unmapped       []string       `bson:"unmapped,omitempty" json:"unmapped,omitempty"`
	Suggested      []FieldMapping `bson:"suggested,omitempty" json:"suggested,omitempty"`
}

// Job represents a background import or export task
type Job struct {
	ID              string     `bson:"_id" json:"id"`
	Kind            JobKind    `bson:"kind" json:"kind"`
	Status          JobStatus  `bson:"status" json:"status"`
	Priority        int        `bson:"priority" json:"priority"`
	Attempts        int        `bson:"attempts" json:"attempts"`
	MaxAttempts     int        `bson:"max_attempts" json:"max_attempts"`
	Payload         JobPayload `bson:"payload" json:"payload"`
	Result          JobResult  `bson:"result" json:"result"`
	Principal       string     `bson:"principal,omitempty" json:"principal,omitempty"`
	CancelRequested bool       `bson:"cancel_requested" json:"cancel_requested"`
	Sequence        int64      `bson:"sequence" json:"sequence"`
	CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at" json:"updated_at"`
	StartedAt       *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt     *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	NextAttemptAt   *time.Time `bson:"next_attempt_at,omitempty" json:"next_attempt_at,omitempty"`
}

// JobSpec is an enqueue request before it becomes a Job
type JobSpec struct {
	Kind      JobKind
	Payload   JobPayload
	Priority  int
	Principal string
}

// Clone returns a copy that shares no slices or pointers with j
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload.MappingOverrides = append([]FieldMapping(nil), j.Payload.MappingOverrides...)
	c.Payload.Filter.Conditions = append([]Condition(nil), j.Payload.Filter.Conditions...)
	c.Result = j.Result.Clone()
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	return &c
}

// Clone copies the slices held by r
func (r JobResult) Clone() JobResult {
	r.ErrorSamples = append([]RowError(nil), r.ErrorSamples...)
	r.Unmapped = append([]string(nil), r.Unmapped...)
	r.Suggested = append([]FieldMapping(nil), r.Suggested...)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AuditEvent is a structured record handed to the audit sink
type AuditEvent struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	Kind      JobKind   `json:"kind,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
