package mutation

import (
	"errors"

	"github.com/riverloop/collabflow/internal/storage"
)

// Kind is the error taxonomy surfaced to a frame's sender (SPEC_FULL
// 4.5, 7). It names a failure class, not a Go type.
type Kind string

const (
	KindValidationError           Kind = "ValidationError"
	KindResourceNotFound          Kind = "ResourceNotFound"
	KindDuplicateResource         Kind = "DuplicateResource"
	KindOperationFailed           Kind = "OperationFailed"
	KindUnknownError              Kind = "UnknownError"
	KindBlockGone                 Kind = "BlockGone"
	KindInsufficientPermissions   Kind = "InsufficientPermissions"
)

// Error is a classified mutation failure carrying the retry policy
// fixed by 4.5/7: validation errors and not-found-on-delete are
// non-retryable; generic DB failures and the catch-all are retryable.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return e.Message }

func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidationError, Message: msg, Retryable: false}
}

func NewResourceNotFound(msg string, retryable bool) *Error {
	return &Error{Kind: KindResourceNotFound, Message: msg, Retryable: retryable}
}

func NewDuplicateResource(msg string) *Error {
	return &Error{Kind: KindDuplicateResource, Message: msg, Retryable: false}
}

func NewOperationFailed(msg string) *Error {
	return &Error{Kind: KindOperationFailed, Message: msg, Retryable: true}
}

func NewUnknownError(msg string) *Error {
	return &Error{Kind: KindUnknownError, Message: msg, Retryable: true}
}

func NewBlockGone(msg string) *Error {
	return &Error{Kind: KindBlockGone, Message: msg, Retryable: false}
}

// Classify maps a storage-layer error onto the taxonomy after a
// transactional write fails. Structural ResourceNotFound is treated
// as retryable by default (7: "retryable for structural updates that
// may race with concurrent edits"); a delete path targeting a resource
// that is already gone is not retrying anything, so those call sites
// construct NewResourceNotFound(msg, false) directly instead of going
// through Classify.
func Classify(err error) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewResourceNotFound(err.Error(), true)
	case errors.Is(err, storage.ErrDuplicate):
		return NewDuplicateResource(err.Error())
	default:
		return NewOperationFailed(err.Error())
	}
}
