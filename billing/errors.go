/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error kinds in one place so the calling layer can render an
  appropriate message with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - malformed agreements, empty batches. Raised
     immediately, never defaulted.
  2. State errors - operations forbidden by the batch lifecycle. Always
     surfaced, never retried automatically.
  3. Lookup errors - collaborator could not find a row.
  4. Data gaps - ErrIncompleteView, handled locally by recomputing from
     raw entries. Callers of the Service never see it.

SEE ALSO:
  - batch.go: state errors
  - timebank.go: ErrIncompleteView fallback
  - api/handlers.go: HTTP status mapping
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the kind shared by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrPeriodRequired is returned when a timebank or fixed agreement has no period.
	ErrPeriodRequired = errors.New("agreement period required")

	// ErrInvalidAgreementType is returned when a calculator receives the wrong agreement type.
	ErrInvalidAgreementType = errors.New("invalid agreement type")

	// ErrEmptyBatch is returned when a batch without entries is submitted for review.
	ErrEmptyBatch = errors.New("batch has no entries")

	// ErrIncompleteView is returned when an aggregate view row lacks required fields.
	ErrIncompleteView = errors.New("timebank view is incomplete")

	ErrBatchImmutable       = errors.New("batch is immutable")
	ErrBatchUnderReview     = errors.New("batch is under review")
	ErrConcurrentTransition = errors.New("concurrent batch transition")
	ErrInvalidTransition    = errors.New("invalid batch transition")
	ErrExportFailed         = errors.New("batch export failed")

	// ErrEntryExported is returned when an exported entry would be modified.
	ErrEntryExported = errors.New("time entry already exported")

	ErrDuplicateEntry  = errors.New("time entry already in batch")
	ErrEntryNotInBatch = errors.New("time entry not in batch")

	// ErrEntryExists is returned when a new entry reuses a stored entry's ID.
	ErrEntryExists = errors.New("time entry already exists")

	// ErrEntryInOtherBatch is returned when an entry is already held by another batch.
	ErrEntryInOtherBatch = errors.New("time entry held by another batch")

	ErrAgreementNotFound = errors.New("agreement not found")
	ErrEntryNotFound     = errors.New("time entry not found")
	ErrBatchNotFound     = errors.New("batch not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // optional more specific kind, e.g. ErrPeriodRequired
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BatchImmutableError is returned when content of an exported or locked batch
// would change.
type BatchImmutableError struct {
	BatchID BatchID
	Status  BatchStatus
}

func (e *BatchImmutableError) Error() string {
	return fmt.Sprintf("batch %s is %s and cannot be modified", e.BatchID, e.Status)
}

func (e *BatchImmutableError) Unwrap() error { return ErrBatchImmutable }

// BatchUnderReviewError is returned when content of a batch in review would
// change. Reopen the batch to draft first.
type BatchUnderReviewError struct {
	BatchID BatchID
}

func (e *BatchUnderReviewError) Error() string {
	return fmt.Sprintf("batch %s is under review; reopen it as draft to modify entries", e.BatchID)
}

func (e *BatchUnderReviewError) Unwrap() error { return ErrBatchUnderReview }

// InvalidTransitionError is returned for a transition the state table forbids.
type InvalidTransitionError struct {
	BatchID BatchID
	From    BatchStatus
	To      BatchStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("batch %s: transition %s -> %s not allowed", e.BatchID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConcurrentTransitionError is returned to the loser of a race on the same batch.
type ConcurrentTransitionError struct {
	BatchID         BatchID
	ExpectedVersion int
	Target          BatchStatus
}

func (e *ConcurrentTransitionError) Error() string {
	return fmt.Sprintf("batch %s changed concurrently (expected version %d, target %s)",
		e.BatchID, e.ExpectedVersion, e.Target)
}

func (e *ConcurrentTransitionError) Unwrap() error { return ErrConcurrentTransition }

// ExportFailedError records an unsuccessful external export. The batch stays in review.
type ExportFailedError struct {
	BatchID BatchID
	Reason  string
}

func (e *ExportFailedError) Error() string {
	return fmt.Sprintf("batch %s export failed: %s", e.BatchID, e.Reason)
}

func (e *ExportFailedError) Unwrap() error { return ErrExportFailed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidationError returns true if the error is due to invalid input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAgreementType) ||
		errors.Is(err, ErrEntryExported) ||
		errors.Is(err, ErrDuplicateEntry) ||
		errors.Is(err, ErrEntryNotInBatch)
}

// IsStateError returns true if the batch lifecycle or already stored data
// forbids the operation.
func IsStateError(err error) bool {
	return errors.Is(err, ErrEntryExists) ||
		errors.Is(err, ErrEntryInOtherBatch) ||
		errors.Is(err, ErrBatchImmutable) ||
		errors.Is(err, ErrBatchUnderReview) ||
		errors.Is(err, ErrConcurrentTransition) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrExportFailed)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgreementNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrBatchNotFound)
}
