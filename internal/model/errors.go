package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass buckets pipeline errors by how the job queue should react to them
type ErrorClass string

const (
	ClassConfig     ErrorClass = "config"
	ClassValidation ErrorClass = "validation"
	ClassTransform  ErrorClass = "transform"
	ClassSystem     ErrorClass = "system"
	ClassCancelled  ErrorClass = "cancelled"
)

// JobError carries an ErrorClass alongside the underlying cause
type JobError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s error: %s: %v", e.Class, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Class, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// ErrCancelled is the cooperative cancellation signal. It is not a failure.
var ErrCancelled = &JobError{Class: ClassCancelled, Message: "job cancelled"}

func ConfigErrorf(format string, args ...any) error {
	return &JobError{Class: ClassConfig, Message: fmt.Sprintf(format, args...)}
}

func ValidationErrorf(format string, args ...any) error {
	return &JobError{Class: ClassValidation, Message: fmt.Sprintf(format, args...)}
}

func TransformErrorf(format string, args ...any) error {
	return &JobError{Class: ClassTransform, Message: fmt.Sprintf(format, args...)}
}

// SystemError marks err as a transient failure eligible for retry
func SystemError(message string, err error) error {
	return &JobError{Class: ClassSystem, Message: message, Err: err}
}

// Classify returns the class of err. Unclassified errors count as system errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassSystem
}

// IsRetryable reports whether the job queue should schedule another attempt
func IsRetryable(err error) bool {
	return Classify(err) == ClassSystem
}

// RowError is a per-record problem surfaced in progress events and job results
type RowError struct {
	Line     int      `bson:"line" json:"line"`
	Field    string   `bson:"field,omitempty" json:"field,omitempty"`
	Rule     RuleKind `bson:"rule,omitempty" json:"rule,omitempty"`
	Severity Severity `bson:"severity" json:"severity"`
	Message  string   `bson:"message" json:"message"`
}
