package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeUnauthorized   ErrorType = "unauthorized"
	ErrorTypeForbidden      ErrorType = "forbidden"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeStorage        ErrorType = "storage"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
)

// DomainError represents a structured error with additional context.
// Code narrows the Type for callers that need to tell failures of the
// same type apart (for example missing vs invalid override password).
type DomainError struct {
	Type    ErrorType
	Code    string
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

// Is matches on Type, and on Code when the target carries one.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
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

func newCodedError(errType ErrorType, code, message string) *DomainError {
	e := NewDomainError(errType, message, nil)
	e.Code = code
	return e
}

// Override failure codes
const (
	CodeMissingPassword      = "missing_password"
	CodeNoPasswordConfigured = "no_password_configured"
	CodeInvalidPassword      = "invalid_password"
)

// Domain error variables

var (
	// Not Found Errors
	ErrDeviceNotFound    = NewDomainError(ErrorTypeNotFound, "device not found", nil)
	ErrGroupNotFound     = NewDomainError(ErrorTypeNotFound, "group not found", nil)
	ErrExceptionNotFound = NewDomainError(ErrorTypeNotFound, "time exception not found", nil)

	// Validation Errors
	ErrInvalidInput      = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidTimeFormat = NewDomainError(ErrorTypeValidation, "invalid time format, expected HH:MM", nil)
	ErrInvalidMAC        = NewDomainError(ErrorTypeValidation, "invalid MAC address", nil)
	ErrInvalidIP         = NewDomainError(ErrorTypeValidation, "invalid IP address", nil)
	ErrEmptyPassword     = NewDomainError(ErrorTypeValidation, "password cannot be empty", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)

	// Override Errors
	ErrMissingPassword         = newCodedError(ErrorTypeAuthentication, CodeMissingPassword, "Password required to activate emergency override")
	ErrInvalidOverridePassword = newCodedError(ErrorTypeAuthentication, CodeInvalidPassword, "Invalid password")
	ErrNoPasswordConfigured    = newCodedError(ErrorTypeConfiguration, CodeNoPasswordConfigured, "No password configured for emergency override")

	// Rate Limit Errors
	ErrTooManyAttempts = NewDomainError(ErrorTypeRateLimit, "too many attempts, try again later", nil)

	// Conflict Errors
	ErrDuplicateDevice    = NewDomainError(ErrorTypeConflict, "device already exists", nil)
	ErrDuplicateGroup     = NewDomainError(ErrorTypeConflict, "group already exists", nil)
	ErrDuplicateException = NewDomainError(ErrorTypeConflict, "time exception already exists", nil)

	// Storage Errors
	ErrLedgerWrite   = NewDomainError(ErrorTypeStorage, "audit ledger write failed", nil)
	ErrLedgerRead    = NewDomainError(ErrorTypeStorage, "audit ledger read failed", nil)
	ErrConfigPersist = NewDomainError(ErrorTypeStorage, "configuration persist failed", nil)

	// Internal Errors
	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrLedgerStopped = NewDomainError(ErrorTypeInternal, "audit ledger is not running", nil)

	// External Errors
	ErrPolicyEngineUnavailable = NewDomainError(ErrorTypeExternal, "policy engine unavailable", nil)
)

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsAuthenticationError checks if an error is an override authentication failure
func IsAuthenticationError(err error) bool { return isType(err, ErrorTypeAuthentication) }

// IsConfigurationError checks if an error is a configuration-state error
func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool { return isType(err, ErrorTypeRateLimit) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsStorageError checks if an error is a persistent storage error
func IsStorageError(err error) bool { return isType(err, ErrorTypeStorage) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// IsExternalError checks if an error is an external collaborator error
func IsExternalError(err error) bool { return isType(err, ErrorTypeExternal) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the Code of a domain error, or empty string
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapStorage wraps an error as a storage error
func WrapStorage(message string, err error) error {
	return NewDomainError(ErrorTypeStorage, message, err)
}

// WrapExternal wraps an error as an external collaborator error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
