package transaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/opcsync/internal/subject"
)

// Error represents a transaction failure detected before or during commit.
//
// Error kinds:
//   - Conflict: a captured old value no longer matches the current value
//   - Nested: Begin called while a transaction is already current
//   - Disposed: operation on a closed transaction
//   - Context mismatch: write to a property of another subject context
//   - Requirement violated: a batch spans more sources than allowed
//   - Write failed: the external writer failed as a whole
//
// Partial per-change failures are reported with WriteError instead.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// TransactionID identifies the affected transaction, if one exists.
	TransactionID string

	// Properties lists the properties involved (conflicting or mismatched).
	Properties []subject.PropertyReference

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes transaction errors.
type ErrorCode string

const (
	// ErrCodeConflict indicates a concurrent modification was detected at commit.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeWriteFailed indicates the external writer failed for the whole batch.
	ErrCodeWriteFailed ErrorCode = "WRITE_FAILED"

	// ErrCodeNested indicates Begin was called with a transaction already current.
	ErrCodeNested ErrorCode = "NESTED_TRANSACTION"

	// ErrCodeDisposed indicates the transaction was already closed.
	ErrCodeDisposed ErrorCode = "DISPOSED"

	// ErrCodeContextMismatch indicates a write outside the transaction's context.
	ErrCodeContextMismatch ErrorCode = "CONTEXT_MISMATCH"

	// ErrCodeAlreadyCommitted indicates a second commit or a write after commit.
	ErrCodeAlreadyCommitted ErrorCode = "ALREADY_COMMITTED"

	// ErrCodeRequirementViolated indicates the batch violates the write requirement.
	ErrCodeRequirementViolated ErrorCode = "REQUIREMENT_VIOLATED"

	// ErrCodeNotInstalled indicates transactions are not enabled on the context.
	ErrCodeNotInstalled ErrorCode = "NOT_INSTALLED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if len(e.Properties) > 0 {
		names := make([]string, len(e.Properties))
		for i, p := range e.Properties {
			names[i] = p.String()
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(names, ", "))
	}
	if e.TransactionID != "" {
		fmt.Fprintf(&b, " (tx=%s)", e.TransactionID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsConflict returns true if the error is a commit conflict.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsNested returns true if the error is a nested-transaction error.
func IsNested(err error) bool { return hasCode(err, ErrCodeNested) }

// IsDisposed returns true if the error is a disposed-transaction error.
func IsDisposed(err error) bool { return hasCode(err, ErrCodeDisposed) }

// IsContextMismatch returns true if the error is a context-mismatch error.
func IsContextMismatch(err error) bool { return hasCode(err, ErrCodeContextMismatch) }

// IsRequirementViolated returns true if the batch violated the write requirement.
func IsRequirementViolated(err error) bool { return hasCode(err, ErrCodeRequirementViolated) }

// IsWriteFailure returns true for partial (WriteError) and total write failures.
func IsWriteFailure(err error) bool {
	var we *WriteError
	if errors.As(err, &we) {
		return true
	}
	return hasCode(err, ErrCodeWriteFailed)
}

func newConflictError(txID string, props []subject.PropertyReference) *Error {
	return &Error{
		Code:          ErrCodeConflict,
		Message:       "properties changed since they were captured",
		TransactionID: txID,
		Properties:    props,
	}
}

func newNestedError(current string) *Error {
	return &Error{
		Code:          ErrCodeNested,
		Message:       "a transaction is already active in this context",
		TransactionID: current,
	}
}

func newDisposedError(txID string) *Error {
	return &Error{
		Code:          ErrCodeDisposed,
		Message:       "transaction has been disposed",
		TransactionID: txID,
	}
}

func newAlreadyCommittedError(txID string) *Error {
	return &Error{
		Code:          ErrCodeAlreadyCommitted,
		Message:       "transaction has already been committed",
		TransactionID: txID,
	}
}

func newContextMismatchError(txID string, ref subject.PropertyReference) *Error {
	return &Error{
		Code:          ErrCodeContextMismatch,
		Message:       "property belongs to a different subject context than the transaction",
		TransactionID: txID,
		Properties:    []subject.PropertyReference{ref},
	}
}

// FailedChange is one change an external source refused.
type FailedChange struct {
	Change subject.Change
	Source string
	Err    error
}

// WriteError reports a commit where some changes failed to write externally.
//
// Applied lists the changes that were applied locally (empty in Rollback and
// Strict mode). Failed lists the refused changes with their causes.
type WriteError struct {
	TransactionID string
	Applied       []subject.Change
	Failed        []FailedChange

	// CompensationFailed lists reverts that could not be written back
	// (Strict mode only).
	CompensationFailed []FailedChange
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d change(s) failed, %d applied", ErrCodeWriteFailed, len(e.Failed), len(e.Applied))
	for _, f := range e.Failed {
		fmt.Fprintf(&b, "; %s via %s: %v", f.Change.Property, f.Source, f.Err)
	}
	if len(e.CompensationFailed) > 0 {
		fmt.Fprintf(&b, "; %d compensation(s) failed", len(e.CompensationFailed))
	}
	if e.TransactionID != "" {
		fmt.Fprintf(&b, " (tx=%s)", e.TransactionID)
	}
	return b.String()
}

// Unwrap exposes every underlying source error.
func (e *WriteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+len(e.CompensationFailed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	for _, f := range e.CompensationFailed {
		errs = append(errs, f.Err)
	}
	return errs
}
