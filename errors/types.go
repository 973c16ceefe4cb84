// Package errors defines the guard node's error taxonomy. Four categories
// matter to callers: impossible behavior (an internal invariant broke and the
// call must fail loudly), commitment mismatch (a peer equivocated during
// signing), not-found and validation (both recoverable, surfaced to the
// operator API as 404/400), and transient I/O failures (retried on the next
// scheduled tick).
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ImpossibleBehaviorError reports a violated program invariant, e.g. more
// than one active candidate for a resolver scope. It is never swallowed:
// the mutual-exclusion discipline itself is broken if this fires.
type ImpossibleBehaviorError struct {
	Message string
}

func (e *ImpossibleBehaviorError) Error() string {
	return fmt.Sprintf("impossible behavior: %s", e.Message)
}

// NewImpossibleBehavior creates an ImpossibleBehaviorError.
func NewImpossibleBehavior(format string, args ...interface{}) *ImpossibleBehaviorError {
	return &ImpossibleBehaviorError{Message: fmt.Sprintf(format, args...)}
}

// IsImpossibleBehavior reports whether err is an ImpossibleBehaviorError.
func IsImpossibleBehavior(err error) bool {
	var target *ImpossibleBehaviorError
	return errors.As(err, &target)
}

// CommitmentMismatchError reports that a sign payload claimed a commitment
// that differs byte-for-byte from what the session recorded. It aborts the
// single sign attempt only; the session stays usable.
type CommitmentMismatchError struct {
	TxID       string
	GuardIndex int
	Input      int
}

func (e *CommitmentMismatchError) Error() string {
	return fmt.Sprintf("commitment mismatch for tx %s (guard %d, input %d)", e.TxID, e.GuardIndex, e.Input)
}

// IsCommitmentMismatch reports whether err is a CommitmentMismatchError.
func IsCommitmentMismatch(err error) bool {
	var target *CommitmentMismatchError
	return errors.As(err, &target)
}

// NotFoundError reports a missing event, candidate, or session. Recoverable;
// the operator API maps it to 404.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewNotFound creates a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// ValidationError reports an operation requested against an entity in the
// wrong state. Recoverable; the operator API maps it to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidation creates a ValidationError.
func NewValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// TransientError marks a store or channel failure worth retrying.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Transient wraps err as a TransientError. Returns nil for nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// retryablePatterns are message fragments that identify transient failures
// from drivers that don't use typed errors.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"database is locked",
	"too many requests",
}

// IsTransient reports whether err should be retried on the next tick.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var target *TransientError
	if errors.As(err, &target) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
