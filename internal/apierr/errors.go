package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/scheduler"
	"github.com/onnwee/lessonsync/internal/storage"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

// ErrorCode represents a structured error code
type ErrorCode string

// Error code constants organized by category
const (
	// AUTH_ - Authentication and authorization errors
	ErrAuthMissing   ErrorCode = "AUTH_MISSING"
	ErrAuthInvalid   ErrorCode = "AUTH_INVALID"
	ErrAuthForbidden ErrorCode = "AUTH_FORBIDDEN"

	// CACHE_ - Cache store errors
	ErrCachePolicyInvalid ErrorCode = "CACHE_POLICY_INVALID"
	ErrCacheNotFound      ErrorCode = "CACHE_ENTRY_NOT_FOUND"
	ErrCacheCorrupted     ErrorCode = "CACHE_ENTRY_CORRUPTED"

	// SYNC_ - Sync queue and scheduler errors
	ErrSyncAlreadyRunning ErrorCode = "SYNC_ALREADY_RUNNING"
	ErrSyncOffline        ErrorCode = "SYNC_OFFLINE"
	ErrSyncStateMismatch  ErrorCode = "SYNC_STATE_MISMATCH"
	ErrSyncNotRetryable   ErrorCode = "SYNC_NOT_RETRYABLE"
	ErrSyncItemNotFound   ErrorCode = "SYNC_ITEM_NOT_FOUND"

	// SYSTEM_ - System and server errors
	ErrSystemInternal    ErrorCode = "SYSTEM_INTERNAL"
	ErrSystemStorage     ErrorCode = "SYSTEM_STORAGE"
	ErrSystemUnavailable ErrorCode = "SYSTEM_UNAVAILABLE"

	// VALIDATION_ - Request validation errors
	ErrValidationInvalidJSON  ErrorCode = "VALIDATION_INVALID_JSON"
	ErrValidationInvalidValue ErrorCode = "VALIDATION_INVALID_VALUE"

	// RESOURCE_ - Resource errors
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
)

// Error represents a structured API error
type Error struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	status    int                    // HTTP status code (not serialized)
}

// ErrorResponse is the top-level error response wrapper
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// New creates a new API error
func New(code ErrorCode, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		status:  status,
	}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Status returns the HTTP status code
func (e *Error) Status() int {
	return e.status
}

// WriteError writes a structured error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}

// FromError maps engine errors onto API errors. Unknown errors become
// SYSTEM_INTERNAL and are logged; their text is not sent to the client.
func FromError(ctx context.Context, err error) *Error {
	var (
		apiErr    *Error
		policyErr *cache.PolicyError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &policyErr):
		return New(ErrCachePolicyInvalid, policyErr.Error(), http.StatusBadRequest).
			WithDetails(map[string]interface{}{"field": policyErr.Field})
	case errors.Is(err, cache.ErrNotFound):
		return New(ErrCacheNotFound, "Cache entry not found", http.StatusNotFound)
	case errors.Is(err, cache.ErrCorrupted):
		return New(ErrCacheCorrupted, "Cache entry failed integrity check", http.StatusUnprocessableEntity)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return New(ErrSyncAlreadyRunning, "A sync run is already in progress", http.StatusConflict)
	case errors.Is(err, scheduler.ErrOffline):
		return New(ErrSyncOffline, "Device is offline", http.StatusServiceUnavailable)
	case errors.Is(err, syncqueue.ErrConfigurationMismatch):
		return New(ErrSyncStateMismatch, "Item is not in the expected state", http.StatusConflict)
	case errors.Is(err, syncqueue.ErrIneligible):
		return New(ErrSyncNotRetryable, "Item cannot be retried", http.StatusConflict)
	case errors.Is(err, storage.ErrFull), errors.Is(err, storage.ErrClosed):
		logger.ErrorContext(ctx, "storage error", "error", err)
		return New(ErrSystemStorage, "Storage unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return New(ErrSystemUnavailable, "Request timeout", http.StatusGatewayTimeout)
	default:
		logger.ErrorContext(ctx, "unhandled error", "error", err)
		return SystemInternal("")
	}
}

// Helper functions for common errors

// AuthMissing creates an authentication missing error
func AuthMissing(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return New(ErrAuthMissing, message, http.StatusUnauthorized)
}

// AuthInvalid creates an invalid authentication error
func AuthInvalid(message string) *Error {
	if message == "" {
		message = "Invalid authentication credentials"
	}
	return New(ErrAuthInvalid, message, http.StatusUnauthorized)
}

// AuthForbidden creates a forbidden error
func AuthForbidden(message string) *Error {
	if message == "" {
		message = "Access forbidden"
	}
	return New(ErrAuthForbidden, message, http.StatusForbidden)
}

// SyncItemNotFound creates a missing queue item error
func SyncItemNotFound(id string) *Error {
	return New(ErrSyncItemNotFound, "No queued item "+id, http.StatusNotFound).
		WithDetails(map[string]interface{}{"id": id})
}

// SystemInternal creates an internal server error
func SystemInternal(message string) *Error {
	if message == "" {
		message = "Internal server error"
	}
	return New(ErrSystemInternal, message, http.StatusInternalServerError)
}

// SystemUnavailable creates a service unavailable error
func SystemUnavailable(message string) *Error {
	if message == "" {
		message = "Service unavailable"
	}
	return New(ErrSystemUnavailable, message, http.StatusServiceUnavailable)
}

// ValidationInvalidJSON creates an invalid JSON error
func ValidationInvalidJSON() *Error {
	return New(ErrValidationInvalidJSON, "Invalid JSON request body", http.StatusBadRequest)
}

// ValidationInvalidValue creates an invalid value error
func ValidationInvalidValue(field string, message string) *Error {
	if message == "" {
		message = "Invalid value for field: " + field
	}
	return New(ErrValidationInvalidValue, message, http.StatusBadRequest).
		WithDetails(map[string]interface{}{"field": field})
}

// ResourceNotFound creates a resource not found error
func ResourceNotFound(resourceType string) *Error {
	return New(ErrResourceNotFound, resourceType+" not found", http.StatusNotFound).
		WithDetails(map[string]interface{}{"resource_type": resourceType})
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WriteErrorWithContext writes a structured error response with request ID from context
func WriteErrorWithContext(w http.ResponseWriter, r *http.Request, err *Error) {
	if reqID := GetRequestID(r.Context()); reqID != "" {
		err = err.WithRequestID(reqID)
	}
	WriteError(w, err)
}

// Write maps err with FromError and writes it with the request ID.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	WriteErrorWithContext(w, r, FromError(r.Context(), err))
}
