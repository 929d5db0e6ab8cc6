package processor

import (
	"ferry/internal/model"
)

// Outcome is the per-row result of running a record through the pipeline
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// RowResult is what one row produced. Record is set only for rows that will
// be persisted.
type RowResult struct {
	Line    int
	Outcome Outcome
	Errors  []model.RowError
	Record  *model.StoredRecord
}

func success(line int, rec *model.StoredRecord, warnings []model.RowError) RowResult {
	if len(warnings) > 0 {
		return RowResult{Line: line, Outcome: OutcomeWarning, Errors: warnings, Record: rec}
	}
	return RowResult{Line: line, Outcome: OutcomeSuccess, Record: rec}
}

func failure(line int, errs []model.RowError) RowResult {
	return RowResult{Line: line, Outcome: OutcomeFailure, Errors: errs}
}

// Tally counts row outcomes for one chunk
type Tally struct {
	Succeeded int
	Warned    int
	Failed    int
	Errors    []model.RowError
}

func (t *Tally) Add(r RowResult) {
	switch r.Outcome {
	case OutcomeSuccess:
		t.Succeeded++
	case OutcomeWarning:
		t.Succeeded++
		t.Warned++
	case OutcomeFailure:
		t.Failed++
	}
	t.Errors = append(t.Errors, r.Errors...)
}

// Processed is the number of rows that reached a verdict
func (t *Tally) Processed() int {
	return t.Succeeded + t.Failed
}
