package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain error with a structured error code.
// Codes have the form VS-<AREA>-<NNNN>; the last four digits carry the
// HTTP-ish class (4040 not found, 4090 conflict, 5070 out of space, ...).
type DomainError struct {
	Code    string // Error code (e.g., "VS-SNAP-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap is an alias of WithCause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Machine Errors (VM)
// ============================================================================

var (
	// ErrInvalidVMState indicates the machine state does not allow the operation.
	ErrInvalidVMState = NewDomainError("VS-VM-4090", "invalid machine state")

	// ErrMachineNotFound indicates the machine is not registered.
	ErrMachineNotFound = NewDomainError("VS-VM-4040", "machine not found")

	// ErrMachineExists indicates a machine with the same id or name is registered.
	ErrMachineExists = NewDomainError("VS-VM-4091", "machine already registered")

	// ErrSessionNotLocked indicates the machine has no running VM session.
	ErrSessionNotLocked = NewDomainError("VS-VM-4092", "machine session is not locked")

	// ErrAttachmentNotFound indicates the attachment slot is empty.
	ErrAttachmentNotFound = NewDomainError("VS-VM-4041", "medium attachment not found")
)

// ============================================================================
// Snapshot Errors (SNAP)
// ============================================================================

var (
	// ErrSnapshotNotFound indicates the snapshot is not part of the machine's tree.
	ErrSnapshotNotFound = NewDomainError("VS-SNAP-4040", "snapshot not found")

	// ErrNoCurrentSnapshot indicates the machine has no current snapshot.
	ErrNoCurrentSnapshot = NewDomainError("VS-SNAP-4041", "machine does not have any current snapshot")

	// ErrInvalidObjectState indicates the snapshot tree does not allow the operation.
	ErrInvalidObjectState = NewDomainError("VS-SNAP-4090", "invalid object state")

	// ErrSavedStateShared indicates the snapshot shares the machine's saved state.
	ErrSavedStateShared = NewDomainError("VS-SNAP-4091", "snapshot shares the machine saved state")

	// ErrSnapshotNameRequired indicates an empty snapshot name.
	ErrSnapshotNameRequired = NewDomainError("VS-SNAP-4001", "snapshot name is required")
)

// ============================================================================
// Medium Errors (MED)
// ============================================================================

var (
	// ErrMediumNotFound indicates the medium is not registered.
	ErrMediumNotFound = NewDomainError("VS-MED-4040", "medium not found")

	// ErrMediumLocked indicates a lock request conflicts with the medium state.
	ErrMediumLocked = NewDomainError("VS-MED-4090", "medium is locked")

	// ErrMediumState indicates a state transition that is not allowed.
	ErrMediumState = NewDomainError("VS-MED-4091", "invalid medium state")

	// ErrMediumExists indicates the medium id or location is already registered.
	ErrMediumExists = NewDomainError("VS-MED-4092", "medium already registered")

	// ErrMediumNotInChain indicates source and target are not on one chain.
	ErrMediumNotInChain = NewDomainError("VS-MED-4001", "media are not part of the same chain")

	// ErrMediumIO indicates an image backend failure.
	ErrMediumIO = NewDomainError("VS-MED-5000", "medium i/o error")
)

// ============================================================================
// Merge Errors (MERGE)
// ============================================================================

var (
	// ErrAmbiguousChain indicates a medium with more than one child.
	ErrAmbiguousChain = NewDomainError("VS-MERGE-4090", "cannot merge: ambiguous chain")

	// ErrOnlineMergeNotPossible indicates the live lock list cannot be unified.
	ErrOnlineMergeNotPossible = NewDomainError("VS-MERGE-4091", "online merge not possible")

	// ErrLockFailed indicates a lock list could not be acquired.
	ErrLockFailed = NewDomainError("VS-MERGE-4092", "cannot lock hard disk")

	// ErrTargetTooSmall indicates an online merge target smaller than its source.
	ErrTargetTooSmall = NewDomainError("VS-MERGE-4001", "merge target is smaller than the source image")

	// ErrInsufficientStorage indicates not enough free space on a volume.
	ErrInsufficientStorage = NewDomainError("VS-MERGE-5070", "not enough free storage space")

	// ErrStorageQuery indicates the volume could not be queried.
	ErrStorageQuery = NewDomainError("VS-MERGE-5001", "unable to query storage")

	// ErrMergeFailed indicates the merge itself failed.
	ErrMergeFailed = NewDomainError("VS-MERGE-5000", "merge failed")
)

// ============================================================================
// Task Errors (TASK)
// ============================================================================

var (
	// ErrTaskNotFound indicates the task id is unknown or expired.
	ErrTaskNotFound = NewDomainError("VS-TASK-4040", "task not found")

	// ErrNotCancelable indicates the operation cannot be canceled.
	ErrNotCancelable = NewDomainError("VS-TASK-4090", "operation is not cancelable")

	// ErrTaskCanceled indicates the operation was canceled by the caller.
	ErrTaskCanceled = NewDomainError("VS-TASK-4091", "operation canceled")

	// ErrTaskFatal indicates an unexpected failure of a background task.
	ErrTaskFatal = NewDomainError("VS-TASK-5000", "operation failed unexpectedly")

	// ErrObjectUninitialized indicates the object went away while the task ran.
	ErrObjectUninitialized = NewDomainError("VS-TASK-5001", "object has been uninitialized")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrInternal indicates an internal error.
	ErrInternal = NewDomainError("VS-SYS-5000", "internal server error")

	// ErrStorage indicates a settings store error.
	ErrStorage = NewDomainError("VS-SYS-5001", "storage error")

	// ErrNotImplemented indicates an operation that is not supported.
	ErrNotImplemented = NewDomainError("VS-SYS-5010", "not implemented")

	// ErrServiceUnavailable indicates the service is shutting down.
	ErrServiceUnavailable = NewDomainError("VS-SYS-5030", "service unavailable")

	// ErrBadRequest indicates a malformed request.
	ErrBadRequest = NewDomainError("VS-SYS-4000", "bad request")

	// ErrRateLimited indicates too many requests.
	ErrRateLimited = NewDomainError("VS-SYS-4290", "too many requests")
)

// ============================================================================
// Argument Errors (ARG)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("VS-ARG-1001", "invalid argument")

	// ErrMissingArgument indicates a required argument is missing.
	ErrMissingArgument = NewDomainError("VS-ARG-1002", "missing required argument")
)
