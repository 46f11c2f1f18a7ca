package inflow

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrAlreadyProcessed  = errors.New("source item already processed")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrValidation        = errors.New("validation failed")
)

// NormalizationError reports a malformed source payload. Items that fail
// normalization are rejected before the ledger is consulted; they are never
// retried by the engine.
type NormalizationError struct {
	Source SourceKind
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("cannot normalize %s payload: %s", e.Source, e.Reason)
}

func (e *NormalizationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ExtractionError wraps the last attempt error after the extraction
// capability exhausted its retries. The claim for the item has been released
// by the time the caller sees this, so the whole delivery may be retried.
type ExtractionError struct {
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtractionFailed
}

// ValidationError rejects invalid task fields at creation time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError rejects a status move that is not an edge of the board
// state machine. The task is left unchanged.
type TransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
