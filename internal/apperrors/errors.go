// Package apperrors carries the failure taxonomy shared by the messaging services.
package apperrors

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Kind classifies a failure by how callers must react to it.
type Kind string

const (
	// KindTransient marks network or storage unavailability; retry with backoff.
	KindTransient Kind = "transient"
	// KindPermission marks an operation the caller is not allowed to perform; never retried.
	KindPermission Kind = "permission"
	// KindNotFound marks a referenced conversation, message or user that does not exist.
	KindNotFound Kind = "not_found"
	// KindPartialBatch marks a multi-record write observed in a partially applied state.
	KindPartialBatch Kind = "partial_batch"
	// KindInvalid marks malformed input.
	KindInvalid Kind = "invalid"
	// KindInternal marks everything else.
	KindInternal Kind = "internal"
)

// Error is the coded error returned by every service.
type Error struct {
	kind      Kind
	operation string
	reason    string
	err       error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Code()
	}
	return fmt.Sprintf("%s: %v", e.Code(), e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the stable "operation.reason" identifier.
func (e *Error) Code() string {
	return fmt.Sprintf("%s.%s", e.operation, e.reason)
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// New constructs a coded error.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{kind: kind, operation: operation, reason: reason, err: cause}
}

// Transient wraps a storage or network failure.
func Transient(operation, reason string, cause error) error {
	return New(KindTransient, operation, reason, cause)
}

// Permission reports a forbidden operation.
func Permission(operation, reason string, cause error) error {
	return New(KindPermission, operation, reason, cause)
}

// NotFound reports a missing entity.
func NotFound(operation, reason string, cause error) error {
	return New(KindNotFound, operation, reason, cause)
}

// Invalid reports malformed input.
func Invalid(operation, reason string, cause error) error {
	return New(KindInvalid, operation, reason, cause)
}

// PartialBatch reports a partially applied multi-record write.
func PartialBatch(operation, reason string, cause error) error {
	return New(KindPartialBatch, operation, reason, cause)
}

// Storage classifies a persistence error: missing records become not_found,
// everything else is treated as a transient I/O failure.
func Storage(operation, reason string, cause error) error {
	if errors.Is(cause, gorm.ErrRecordNotFound) {
		return NotFound(operation, reason, cause)
	}
	return Transient(operation, reason, cause)
}

// KindOf extracts the failure classification, defaulting to internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.kind
	}
	return KindInternal
}

// CodeOf extracts the "operation.reason" code when present.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
