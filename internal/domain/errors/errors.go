package errors

import (
	"errors"
	"fmt"
)

var (
	// Payment errors
	ErrPaymentNotFound            = errors.New("payment not found")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidMethod              = errors.New("unsupported payment method")
	ErrInvalidStateTransition     = errors.New("invalid state transition")
	ErrMaxRetriesExceeded         = errors.New("max retries exceeded")
	ErrRefundExceedsAmount        = errors.New("refund amount exceeds payment amount")
	ErrDuplicateProviderReference = errors.New("provider reference already in use")

	// Store errors
	ErrOptimisticLockFailed = errors.New("optimistic lock conflict")
	ErrNoChange             = errors.New("no change")

	// Provider errors
	ErrProviderNotFound    = errors.New("payment provider not found")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment rejected by provider")
	ErrProviderTimeout     = errors.New("provider request timeout")

	// Webhook errors
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownEvent     = errors.New("unknown webhook event")
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
