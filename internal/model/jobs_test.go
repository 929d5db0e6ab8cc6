package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{name: "Valid: Queued to Processing", from: StatusQueued, to: StatusProcessing, expected: true},
		{name: "Valid: Queued to Cancelled", from: StatusQueued, to: StatusCancelled, expected: true},
		{name: "Valid: Processing to Succeeded", from: StatusProcessing, to: StatusSucceeded, expected: true},
		{name: "Valid: Processing to Failed", from: StatusProcessing, to: StatusFailed, expected: true},
		{name: "Valid: Processing to Cancelled", from: StatusProcessing, to: StatusCancelled, expected: true},
		{name: "Valid: Processing back to Queued for retry", from: StatusProcessing, to: StatusQueued, expected: true},
		{name: "Invalid: Queued to Succeeded", from: StatusQueued, to: StatusSucceeded, expected: false},
		{name: "Invalid: Succeeded to Failed", from: StatusSucceeded, to: StatusFailed, expected: false},
		{name: "Invalid: Failed to Queued", from: StatusFailed, to: StatusQueued, expected: false},
		{name: "Invalid: Cancelled to Processing", from: StatusCancelled, to: StatusProcessing, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range AllStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassConfig, Classify(ConfigErrorf("unknown schema %q", "x")))
	assert.Equal(t, ClassSystem, Classify(SystemError("upsert", context.DeadlineExceeded)))
	assert.Equal(t, ClassSystem, Classify(errors.New("boom")))
	assert.Equal(t, ClassCancelled, Classify(ErrCancelled))
	assert.Equal(t, ClassCancelled, Classify(context.Canceled))
	assert.Equal(t, ClassValidation, Classify(fmt.Errorf("wrapped: %w", ValidationErrorf("too many failures"))))
	assert.Equal(t, ErrorClass(""), Classify(nil))

	assert.True(t, IsRetryable(SystemError("read", errors.New("reset by peer"))))
	assert.False(t, IsRetryable(ConfigErrorf("bad format")))
	assert.False(t, IsRetryable(ErrCancelled))
}

func TestSystemErrorUnwraps(t *testing.T) {
	err := SystemError("upsert records", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "upsert records")
}

func TestJobCloneIsDeep(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:        "a",
		StartedAt: &now,
		Result:    JobResult{ErrorSamples: []RowError{{Line: 1}}},
	}

	c := job.Clone()
	c.Result.ErrorSamples[0].Line = 99
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, 1, job.Result.ErrorSamples[0].Line)
	assert.True(t, job.StartedAt.Equal(now))
}

func TestParseFormat(t *testing.T) {
	f, ok := ParseFormat(".XLSX")
	assert.True(t, ok)
	assert.Equal(t, FormatXLSX, f)

	f, ok = ParseFormat("tsv")
	assert.True(t, ok)
	assert.Equal(t, FormatCSV, f)

	_, ok = ParseFormat("parquet")
	assert.False(t, ok)
}
