package common

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the closed set of failure classes that remote and repair
// operations can produce.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermission
	KindValidation
	KindRaceCondition
	KindPartialBatch
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_remote"
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindRaceCondition:
		return "race_condition"
	case KindPartialBatch:
		return "partial_batch"
	default:
		return "unknown"
	}
}

// Classified is implemented only by the error types in this file.
type Classified interface {
	error
	Kind() Kind
	classified()
}

// TransientRemoteError wraps a network or timeout failure that is worth
// retrying with backoff.
type TransientRemoteError struct {
	Op  string
	Err error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("%s: transient remote failure: %v", e.Op, e.Err)
}
func (e *TransientRemoteError) Unwrap() error { return e.Err }
func (e *TransientRemoteError) Kind() Kind    { return KindTransient }
func (e *TransientRemoteError) classified()   {}

// PermissionError means the caller lacks a privilege. Never retried.
type PermissionError struct {
	Op     string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %s", e.Op, e.Reason)
}
func (e *PermissionError) Kind() Kind  { return KindPermission }
func (e *PermissionError) classified() {}

// ValidationError reports malformed input to an operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Kind() Kind  { return KindValidation }
func (e *ValidationError) classified() {}

// RaceConditionError means the state observed at read time changed before
// the write. The caller re-checks and skips.
type RaceConditionError struct {
	ID     string
	Reason string
}

func (e *RaceConditionError) Error() string {
	return fmt.Sprintf("state of %s changed concurrently: %s", e.ID, e.Reason)
}
func (e *RaceConditionError) Kind() Kind  { return KindRaceCondition }
func (e *RaceConditionError) classified() {}

// ItemFailure is one failed element of a batch.
type ItemFailure struct {
	ID  string
	Err error
}

// PartialBatchFailure aggregates per-item failures of a batch whose other
// items were committed.
type PartialBatchFailure struct {
	Failures []ItemFailure
}

func (e *PartialBatchFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.ID, f.Err))
	}
	return fmt.Sprintf("%d batch item(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}
func (e *PartialBatchFailure) Kind() Kind  { return KindPartialBatch }
func (e *PartialBatchFailure) classified() {}

// KindOf returns the taxonomy class of err, or KindUnknown when err does not
// wrap one of the classified types.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// Transient wraps err as a TransientRemoteError unless it is nil or already
// classified.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return &TransientRemoteError{Op: op, Err: err}
}
