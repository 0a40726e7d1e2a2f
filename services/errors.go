package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeSessionKilled ErrorType = "session_killed"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeInvalidPolicy ErrorType = "invalid_policy"
	ErrorTypeAuditWrite    ErrorType = "audit_write_failed"
	ErrorTypeNotifier      ErrorType = "notifier_failed"
	ErrorTypeInternal      ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// ErrSessionNotFound is returned when a session id is unknown to the store
	ErrSessionNotFound = NewDomainError(ErrorTypeNotFound, "session not found", nil)

	// ErrSessionKilled is returned by mutating calls against a terminal session.
	// Hitting it signals a caller bug: the caller acted on a session it should
	// already know is dead. The pre-action path never returns it; a deny there
	// is an ordinary decision, not an error.
	ErrSessionKilled = NewDomainError(ErrorTypeSessionKilled, "session is killed", nil)

	// ErrInvalidPolicy is returned at engine construction for malformed
	// thresholds or limits. Policy problems fail fast, never at call time.
	ErrInvalidPolicy = NewDomainError(ErrorTypeInvalidPolicy, "invalid policy configuration", nil)

	// ErrAuditWriteFailed is returned when the audit sink rejects an append.
	// The session mutation itself has already committed; the caller is told so
	// it can react to a broken compliance pipeline.
	ErrAuditWriteFailed = NewDomainError(ErrorTypeAuditWrite, "audit sink write failed", nil)

	// ErrNotifierFailed marks notification delivery failures. It is logged by
	// the dispatcher and never propagated: the kill already happened.
	ErrNotifierFailed = NewDomainError(ErrorTypeNotifier, "notification delivery failed", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsSessionKilledError checks if an error is a session killed error
func IsSessionKilledError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeSessionKilled
	}
	return false
}

// IsInvalidPolicyError checks if an error is an invalid policy error
func IsInvalidPolicyError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInvalidPolicy
	}
	return false
}

// IsAuditWriteError checks if an error is an audit write failure
func IsAuditWriteError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeAuditWrite
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}
