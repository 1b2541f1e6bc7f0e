package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable class of an error or issue
type ErrorKind string

// Error kinds. The first six form the failure taxonomy of an execution; the
// rest describe API misuse or issue details.
const (
	KindValidation         ErrorKind = "validation_error"
	KindCapacity           ErrorKind = "capacity_error"
	KindHealthCheckTimeout ErrorKind = "health_check_timeout"
	KindPhaseFailure       ErrorKind = "phase_failure"
	KindRollbackFailure    ErrorKind = "rollback_failure"
	KindCancellation       ErrorKind = "cancellation_requested"

	KindHealthCheckFailed ErrorKind = "health_check_failed"
	KindDeployFailed      ErrorKind = "deploy_failed"
	KindTriggerFired      ErrorKind = "trigger_fired"
	KindApprovalDenied    ErrorKind = "approval_denied"
	KindApprovalTimeout   ErrorKind = "approval_timeout"
	KindExecutionTimeout  ErrorKind = "execution_timeout"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
)

// Error represents a structured rollout error with context
type Error struct {
	Kind        ErrorKind
	Message     string
	ExecutionID string
	Err         error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ExecutionID != "" {
		msg = fmt.Sprintf("%s (execution %s)", msg, e.ExecutionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// HTTPStatus suggests a status code for API responses
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindCapacity:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindCancellation:
		return http.StatusAccepted
	case KindHealthCheckTimeout, KindPhaseFailure, KindRollbackFailure, KindHealthCheckFailed,
		KindDeployFailed, KindTriggerFired, KindApprovalDenied, KindApprovalTimeout, KindExecutionTimeout:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel errors usable with errors.Is
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrCapacity           = &Error{Kind: KindCapacity}
	ErrHealthCheckTimeout = &Error{Kind: KindHealthCheckTimeout}
	ErrPhaseFailure       = &Error{Kind: KindPhaseFailure}
	ErrRollbackFailure    = &Error{Kind: KindRollbackFailure}
	ErrCancellation       = &Error{Kind: KindCancellation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
)

// NewError builds an Error of the given kind
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind around a cause
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// ForExecution returns a copy of e attributed to an execution
func (e *Error) ForExecution(id string) *Error {
	cp := *e
	cp.ExecutionID = id
	return &cp
}

// AsError checks if an error is a structured rollout error
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
