package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Runtime error codes
const (
	ErrInitialization   ErrorCode = "INITIALIZATION"
	ErrExecution        ErrorCode = "EXECUTION"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrRegistryConflict ErrorCode = "REGISTRY_CONFLICT"
	ErrInvalidState     ErrorCode = "INVALID_STATE"
	ErrValidation       ErrorCode = "VALIDATION"
	ErrStore            ErrorCode = "STORE"
	ErrBus              ErrorCode = "BUS"
)

// retryableByDefault marks codes whose failures are worth re-attempting.
// CIRCUIT_OPEN is deliberately absent: the breaker already said no.
var retryableByDefault = map[ErrorCode]bool{
	ErrExecution: true,
	ErrTimeout:   true,
	ErrStore:     true,
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Resource  string    `json:"resource,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// Retryable defaults per code and can be overridden with WithRetryable.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableByDefault[code]}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithResource names the downstream resource the error belongs to.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewInitializationError reports a failed agent setup.
func NewInitializationError(agentID string, cause error) *Error {
	return NewError(ErrInitialization, fmt.Sprintf("agent %s failed to initialize", agentID)).
		WithResource(agentID).WithCause(cause)
}

// NewExecutionError reports a tool execution failure.
func NewExecutionError(tool string, cause error) *Error {
	return NewError(ErrExecution, fmt.Sprintf("tool %s execution failed", tool)).
		WithResource(tool).WithCause(cause)
}

// NewTimeoutError reports a call that exceeded its deadline.
func NewTimeoutError(resource string) *Error {
	return NewError(ErrTimeout, fmt.Sprintf("call to %s timed out", resource)).
		WithResource(resource)
}

// NewCircuitOpenError reports a call short-circuited by an open breaker.
func NewCircuitOpenError(resource string) *Error {
	return NewError(ErrCircuitOpen, fmt.Sprintf("circuit open for %s", resource)).
		WithResource(resource)
}

// NewConflictError reports a duplicate registration.
func NewConflictError(kind, name string) *Error {
	return NewError(ErrRegistryConflict, fmt.Sprintf("%s %q already registered", kind, name)).
		WithResource(name)
}

// AsError extracts a *Error from err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	if e, ok := AsError(err); ok {
		return e.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
