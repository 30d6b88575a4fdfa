// Package errors provides the structured AppError carrier used across every
// autopack component instead of ad hoc error strings.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType is a closed set of error kinds. Every layer of the engine
// returns one of these instead of inventing its own error shape.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"

	// Engine-specific kinds from the error taxonomy (spec.md §7).
	ErrorTypeConfig            ErrorType = "config"
	ErrorTypePolicyViolation   ErrorType = "policy_violation"
	ErrorTypeQuotaBlocked      ErrorType = "quota_blocked"
	ErrorTypeApprovalDenied    ErrorType = "approval_denied"
	ErrorTypeApprovalTimedOut  ErrorType = "approval_timed_out"
	ErrorTypeBuilderFail       ErrorType = "builder_fail"
	ErrorTypeTruncated         ErrorType = "truncated"
	ErrorTypeApplyConflict     ErrorType = "apply_conflict"
	ErrorTypeIOLocked          ErrorType = "io_locked"
	ErrorTypeTestRegression    ErrorType = "test_regression"
	ErrorTypeDeliverablesFail  ErrorType = "deliverables_fail"
	ErrorTypeSymbolFail        ErrorType = "symbol_fail"
	ErrorTypeQualityBlock      ErrorType = "quality_block"
	ErrorTypeCancelled         ErrorType = "cancelled"
	ErrorTypeStorageDrift      ErrorType = "storage_drift"
)

// AppError is the single structured error carrier for the engine.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails sets Details in place and returns the same error for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf formats Details in place and returns the same error for chaining.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func statusCodeFor(t ErrorType) int {
	switch t {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeApprovalDenied, ErrorTypePolicyViolation:
		return http.StatusForbidden
	case ErrorTypeQuotaBlocked:
		return http.StatusTooManyRequests
	case ErrorTypeApprovalTimedOut:
		return http.StatusRequestTimeout
	case ErrorTypeConfig, ErrorTypeDatabase, ErrorTypeNetwork, ErrorTypeInternal,
		ErrorTypeBuilderFail, ErrorTypeTruncated, ErrorTypeApplyConflict,
		ErrorTypeIOLocked, ErrorTypeTestRegression, ErrorTypeDeliverablesFail,
		ErrorTypeSymbolFail, ErrorTypeQualityBlock, ErrorTypeCancelled,
		ErrorTypeStorageDrift:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodeFor(t)}
}

// Wrap wraps an underlying error with an AppError of the given type.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodeFor(t), Cause: cause}
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewDatabaseError wraps a database failure for the named operation.
func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

// NewNotFoundError creates a not-found error for the named resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, resource+" not found")
}

// IsNotFound reports whether err is an AppError of type ErrorTypeNotFound.
func IsNotFound(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Type == ErrorTypeNotFound
}

// NewAuthError creates an authentication/authorization error.
func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

// NewTimeoutError creates a timeout error for the named operation.
func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, "operation timed out: "+operation)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Type == t
}

// GetType returns the AppError type of err, or ErrorTypeInternal if err is
// not an *AppError.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status code associated with err.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the safe, externally-visible messages per error type.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// SafeErrorMessage returns a message safe to show outside the engine:
// validation messages pass through verbatim (they describe caller input),
// everything else is replaced with a generic, type-appropriate message so
// internals never leak.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout, ErrorTypeApprovalTimedOut:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit, ErrorTypeQuotaBlocked:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields returns a structured field map suitable for a logrus/zap logger.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}

	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}

	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors into a single error message separated by
// " -> ", preserving the order given. Returns nil if all errors are nil,
// and returns the single error unwrapped if only one is non-nil.
func Chain(errs ...error) error {
	var filtered []error
	for _, e := range errs {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	}

	msg := filtered[0].Error()
	for _, e := range filtered[1:] {
		msg += " -> " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
