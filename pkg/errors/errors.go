package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to API callers
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeFailedPrecondition = "FAILED_PRECONDITION"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeNotFound           = "NOT_FOUND"
	CodeUnavailable        = "UNAVAILABLE"
	CodeInternal           = "INTERNAL"
	CodeRateLimited        = "RATE_LIMITED"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Status  int            `json:"-"`
	Err     error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError by code, so sentinels work with errors.Is
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithDetails returns a copy of the error carrying extra context for the caller
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// NewAppError creates a new AppError
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// InvalidArgument creates a 400 error for malformed or out-of-range input
func InvalidArgument(message string, err error) *AppError {
	return NewAppError(CodeInvalidArgument, message, http.StatusBadRequest, err)
}

// FailedPrecondition creates a 409 error for operations rejected by current state
func FailedPrecondition(message string, err error) *AppError {
	return NewAppError(CodeFailedPrecondition, message, http.StatusConflict, err)
}

// PermissionDenied creates a 403 error
func PermissionDenied(message string, err error) *AppError {
	return NewAppError(CodePermissionDenied, message, http.StatusForbidden, err)
}

// Unauthenticated creates a 401 error
func Unauthenticated(message string, err error) *AppError {
	return NewAppError(CodeUnauthenticated, message, http.StatusUnauthorized, err)
}

// NotFound creates a 404 error
func NotFound(message string, err error) *AppError {
	return NewAppError(CodeNotFound, message, http.StatusNotFound, err)
}

// Unavailable creates a 503 error
func Unavailable(message string, err error) *AppError {
	return NewAppError(CodeUnavailable, message, http.StatusServiceUnavailable, err)
}

// Internal creates a 500 error
func Internal(message string, err error) *AppError {
	return NewAppError(CodeInternal, message, http.StatusInternalServerError, err)
}

// Domain-specific errors

var (
	ErrRideNotFound       = NotFound("Ride not found", nil)
	ErrHoldNotFound       = NotFound("Payment hold not found", nil)
	ErrMemberNotFound     = NotFound("Membership not found", nil)
	ErrNotRideOwner       = PermissionDenied("Only the rider who requested this ride can change it", nil)
	ErrInvalidPickup      = InvalidArgument("Invalid pickup coordinates", nil)
	ErrInvalidDropoff     = InvalidArgument("Invalid dropoff coordinates", nil)
	ErrInvalidDuration    = InvalidArgument("Ride duration must be a positive number of minutes", nil)
	ErrInvalidRating      = InvalidArgument("Rating must be between 1 and 5", nil)
	ErrRideNotPoolable    = FailedPrecondition("Ride is no longer available for pooling", nil)
	ErrRideFull           = FailedPrecondition("Ride has no free seats", nil)
	ErrRideNotMutable     = FailedPrecondition("Ride can no longer be changed", nil)
	ErrAlreadyPaid        = FailedPrecondition("Ride is already paid", nil)
	ErrHoldNotCapturable  = FailedPrecondition("Payment hold is not capturable", nil)
	ErrCaptureExceedsHold = FailedPrecondition("Capture amount exceeds the authorized amount", nil)
	ErrConcurrentUpdate   = FailedPrecondition("Ride was changed concurrently, please retry", nil)
	ErrGatewayUnavailable = Unavailable("Payment gateway is unavailable", nil)

	ErrRateLimitExceeded = &AppError{
		Code:    CodeRateLimited,
		Message: "Rate limit exceeded. Please try again later",
		Status:  http.StatusTooManyRequests,
	}
)

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError attempts to convert an error to AppError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	// Return generic internal error if not an AppError
	return Internal("An unexpected error occurred", err)
}

// CodeOf returns the AppError code of err, or CodeInternal for foreign errors
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return GetAppError(err).Code
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapAppError wraps an AppError with additional context
func WrapAppError(appErr *AppError, message string) *AppError {
	if appErr == nil {
		return nil
	}
	return &AppError{
		Code:    appErr.Code,
		Message: fmt.Sprintf("%s: %s", message, appErr.Message),
		Details: appErr.Details,
		Status:  appErr.Status,
		Err:     appErr.Err,
	}
}
