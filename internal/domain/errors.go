package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Combine with NewDomainError for operation context.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Selection and coordination sentinels.
var (
	// ErrRegistryEmpty is returned by selection when no enabled persona
	// exists at all. Distinct from an empty shortlist, which is a valid
	// (non-error) outcome of thresholding.
	ErrRegistryEmpty = fmt.Errorf("no enabled personas registered")

	// ErrActivationFailed is returned only when every candidate in an
	// activation batch failed; individual failures are logged and skipped.
	ErrActivationFailed = fmt.Errorf("no persona could be activated")

	// ErrDeactivationFailed signals that coordinator teardown bookkeeping
	// itself failed; per-persona teardown failures are logged, never raised.
	ErrDeactivationFailed = fmt.Errorf("deactivation bookkeeping failed")

	// ErrNoActivePersonas is returned by dispatch when nothing is active.
	ErrNoActivePersonas = fmt.Errorf("no active personas")

	// ErrNotActive is returned when a command reaches a persona that is
	// not in the active state.
	ErrNotActive = fmt.Errorf("persona not active")

	// ErrConflict signals that a mutually-exclusive persona is active.
	ErrConflict = fmt.Errorf("conflicting persona active")

	// ErrInvalidTransition signals an illegal lifecycle state change.
	ErrInvalidTransition = fmt.Errorf("invalid lifecycle transition")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Selector.Select")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeDisabled           ErrorCode = "DISABLED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeRegistryEmpty      ErrorCode = "REGISTRY_EMPTY"
	CodeActivationFailed   ErrorCode = "ACTIVATION_FAILED"
	CodeDeactivationFailed ErrorCode = "DEACTIVATION_FAILED"
	CodeNoActivePersonas   ErrorCode = "NO_ACTIVE_PERSONAS"
	CodeNotActive          ErrorCode = "NOT_ACTIVE"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrDuplicate:          CodeDuplicate,
	ErrTimeout:            CodeTimeout,
	ErrDisabled:           CodeDisabled,
	ErrInvalidInput:       CodeInvalidInput,
	ErrRegistryEmpty:      CodeRegistryEmpty,
	ErrActivationFailed:   CodeActivationFailed,
	ErrDeactivationFailed: CodeDeactivationFailed,
	ErrNoActivePersonas:   CodeNoActivePersonas,
	ErrNotActive:          CodeNotActive,
	ErrConflict:           CodeConflict,
	ErrInvalidTransition:  CodeInvalidTransition,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the error chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
