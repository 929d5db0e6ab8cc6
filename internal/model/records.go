package model

import "time"

// Record is one source row keyed by header name
type Record map[string]string

// TargetRecord is a transformed row keyed by target field name
type TargetRecord map[string]any

// Row is a Record with its 1-based data row number, which doubles as a stable row id
type Row struct {
	Line   int
	Values Record
}

// Chunk is the unit of validation, transformation, persistence and progress reporting
type Chunk struct {
	Index int
	Rows  []Row
}

// StoredRecord is a persisted destination row. Key is the natural key used for upserts.
type StoredRecord struct {
	Key       string         `bson:"_id" json:"key"`
	SchemaID  string         `bson:"schema_id" json:"schema_id"`
	JobID     string         `bson:"job_id" json:"job_id"`
	Fields    map[string]any `bson:"fields" json:"fields"`
	UpdatedAt time.Time      `bson:"updated_at" json:"updated_at"`
}

type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNe  FilterOp = "ne"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpIn  FilterOp = "in"
)

func (o FilterOp) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn:
		return true
	}
	return false
}

type Condition struct {
	Field string   `bson:"field" json:"field"`
	Op    FilterOp `bson:"op" json:"op"`
	Value any      `bson:"value" json:"value"`
}

// QueryFilter selects stored records for an export. Conditions are ANDed.
type QueryFilter struct {
	Conditions []Condition `bson:"conditions,omitempty" json:"conditions,omitempty"`
	Limit      int         `bson:"limit,omitempty" json:"limit,omitempty"`
}

// ProgressEvent is an immutable notification of cumulative job progress
type ProgressEvent struct {
	JobID     string     `json:"job_id"`
	Sequence  int64      `json:"sequence"`
	Status    JobStatus  `json:"status"`
	Attempt   int        `json:"attempt"`
	Processed int        `json:"processed"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Total     int        `json:"total"`
	Percent   int        `json:"percent"`
	Errors    []RowError `json:"errors,omitempty"`
	Terminal  bool       `json:"terminal"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
