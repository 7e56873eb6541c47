// Package fault defines the error taxonomy shared across the autopath
// pipeline.
//
// Every error that crosses a component boundary is one of five kinds:
//
//   - IngestionError: a malformed fact or intervention was rejected.
//   - CompilationError: not enough samples to mine a standard path.
//   - DispatchError: the external action channel failed.
//   - PromotionViolation: a promotion criterion was not met.
//   - ConcurrencyConflict: a racing mutation lost; retry against the
//     latest version.
//
// All types support errors.Is/errors.As via their sentinel values.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel values for errors.Is checks.
var (
	ErrIngestion           = errors.New("ingestion error")
	ErrCompilation         = errors.New("compilation error")
	ErrDispatch            = errors.New("dispatch error")
	ErrPromotionViolation  = errors.New("promotion violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// IngestionError reports a malformed fact or intervention. The record is
// rejected and surfaced to the caller, never silently dropped.
type IngestionError struct {
	Field  string
	Reason string
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion error: field %q: %s", e.Field, e.Reason)
}

func (e *IngestionError) Unwrap() error { return ErrIngestion }

// NewIngestion creates an IngestionError for the given field.
func NewIngestion(field, reason string) *IngestionError {
	return &IngestionError{Field: field, Reason: reason}
}

// CompilationError reports that a trigger class has too few samples to
// produce a standard path. Not fatal: there is simply no rule yet.
type CompilationError struct {
	TriggerType string
	Frequency   int
	MinSamples  int
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compilation error: trigger %q has %d samples, need %d",
		e.TriggerType, e.Frequency, e.MinSamples)
}

func (e *CompilationError) Unwrap() error { return ErrCompilation }

// DispatchError reports a failure of the external action channel after
// retries were exhausted.
type DispatchError struct {
	ActionCode string
	EntityID   string
	Attempts   int
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch error: action %q entity %q after %d attempts: %v",
		e.ActionCode, e.EntityID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return ErrDispatch }

// PromotionViolation names the unmet promotion criterion. It is always
// surfaced to the operator and never bypassed.
type PromotionViolation struct {
	RuleID    string
	Criterion string // "accuracy", "sample_count", "approval", "mode"
	Detail    string
}

func (e *PromotionViolation) Error() string {
	return fmt.Sprintf("promotion violation: rule %s: criterion %q not met: %s",
		e.RuleID, e.Criterion, e.Detail)
}

func (e *PromotionViolation) Unwrap() error { return ErrPromotionViolation }

// ConcurrencyConflict reports a racing mutation on the same rule or
// intervention. The loser must retry against the latest version.
type ConcurrencyConflict struct {
	RuleID        string
	LatestVersion int
	Detail        string
}

func (e *ConcurrencyConflict) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("concurrency conflict: %s", e.Detail)
	}
	return fmt.Sprintf("concurrency conflict: rule %s at version %d: %s",
		e.RuleID, e.LatestVersion, e.Detail)
}

func (e *ConcurrencyConflict) Unwrap() error { return ErrConcurrencyConflict }
