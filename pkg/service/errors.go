package service

import (
	"fmt"

	"github.com/nick-amizich/zmf-production/pkg/models"
	"github.com/pkg/errors"
)

// ErrorCode identifies the rule a rejected operation violated. Every
// rejection carries a code plus the batch's actual state so callers can
// explain the refusal, never a bare "failed".
type ErrorCode string

const (
	ErrCodeBatchNotFound           ErrorCode = "batch_not_found"
	ErrCodeHoldNotFound            ErrorCode = "hold_not_found"
	ErrCodeTemplateNotFound        ErrorCode = "template_not_found"
	ErrCodeInvalidState            ErrorCode = "invalid_state"
	ErrCodeBlockedByHold           ErrorCode = "blocked_by_hold"
	ErrCodeUnknownStage            ErrorCode = "unknown_stage"
	ErrCodeNonSequentialTransition ErrorCode = "non_sequential_transition"
	ErrCodeIncompleteTasks         ErrorCode = "incomplete_tasks"
	ErrCodeConcurrentModification  ErrorCode = "concurrent_modification"
	ErrCodeItemAlreadyBatched      ErrorCode = "item_already_batched"
	ErrCodeValidation              ErrorCode = "validation"
)

// StateError is a typed, recoverable-by-caller rejection. ConcurrentModification
// is the one code callers should retry automatically (re-fetch and retry once).
type StateError struct {
	Code         ErrorCode
	BatchID      int64
	CurrentStage string
	Status       models.BatchStatus
	Detail       string
}

func (e *StateError) Error() string {
	if e.BatchID == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: batch %d (stage=%q, status=%q): %s",
		e.Code, e.BatchID, e.CurrentStage, e.Status, e.Detail)
}

// Retryable reports whether the caller should re-fetch state and retry.
func (e *StateError) Retryable() bool {
	return e.Code == ErrCodeConcurrentModification
}

func stateErr(code ErrorCode, b *models.Batch, format string, args ...interface{}) *StateError {
	e := &StateError{Code: code, Detail: fmt.Sprintf(format, args...)}
	if b != nil {
		e.BatchID = b.ID
		e.CurrentStage = b.StageName()
		e.Status = b.Status
	}
	return e
}

// CodeOf extracts the ErrorCode from err, or "" for untyped errors.
func CodeOf(err error) ErrorCode {
	var se *StateError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
