package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/scheduler"
	"github.com/onnwee/lessonsync/internal/storage"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

func TestNew(t *testing.T) {
	err := New(ErrSyncOffline, "device offline", http.StatusServiceUnavailable)
	if err.Code != ErrSyncOffline {
		t.Errorf("expected code %s, got %s", ErrSyncOffline, err.Code)
	}
	if err.Message != "device offline" {
		t.Errorf("expected message 'device offline', got '%s'", err.Message)
	}
	if err.Status() != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, err.Status())
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrValidationInvalidValue, "invalid field", http.StatusBadRequest).
		WithDetails(map[string]interface{}{"field": "username"})

	if err.Details == nil {
		t.Fatal("expected details to be set")
	}
	if field, ok := err.Details["field"]; !ok || field != "username" {
		t.Errorf("expected field 'username', got %v", field)
	}
}

func TestWithRequestID(t *testing.T) {
	requestID := "test-request-123"
	err := New(ErrSystemInternal, "internal error", http.StatusInternalServerError).
		WithRequestID(requestID)

	if err.RequestID != requestID {
		t.Errorf("expected request ID %s, got %s", requestID, err.RequestID)
	}
}

func TestErrorInterface(t *testing.T) {
	err := New(ErrAuthInvalid, "invalid token", http.StatusUnauthorized)
	expected := "AUTH_INVALID: invalid token"
	if err.Error() != expected {
		t.Errorf("expected error string %s, got %s", expected, err.Error())
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	err := New(ErrSyncAlreadyRunning, "busy", http.StatusConflict).
		WithRequestID("req-123")

	WriteError(w, err)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error == nil {
		t.Fatal("expected error in response")
	}
	if resp.Error.Code != ErrSyncAlreadyRunning {
		t.Errorf("expected code %s, got %s", ErrSyncAlreadyRunning, resp.Error.Code)
	}
	if resp.Error.Message != "busy" {
		t.Errorf("expected message 'busy', got '%s'", resp.Error.Message)
	}
	if resp.Error.RequestID != "req-123" {
		t.Errorf("expected request ID 'req-123', got '%s'", resp.Error.RequestID)
	}
}

func TestHelperFunctions(t *testing.T) {
	tests := []struct {
		name       string
		createErr  func() *Error
		wantCode   ErrorCode
		wantStatus int
	}{
		{"AuthMissing", func() *Error { return AuthMissing("") }, ErrAuthMissing, http.StatusUnauthorized},
		{"AuthInvalid", func() *Error { return AuthInvalid("") }, ErrAuthInvalid, http.StatusUnauthorized},
		{"AuthForbidden", func() *Error { return AuthForbidden("") }, ErrAuthForbidden, http.StatusForbidden},
		{"SyncItemNotFound", func() *Error { return SyncItemNotFound("lesson-1") }, ErrSyncItemNotFound, http.StatusNotFound},
		{"SystemInternal", func() *Error { return SystemInternal("") }, ErrSystemInternal, http.StatusInternalServerError},
		{"SystemUnavailable", func() *Error { return SystemUnavailable("") }, ErrSystemUnavailable, http.StatusServiceUnavailable},
		{"ValidationInvalidJSON", func() *Error { return ValidationInvalidJSON() }, ErrValidationInvalidJSON, http.StatusBadRequest},
		{"ValidationInvalidValue", func() *Error { return ValidationInvalidValue("strategy", "") }, ErrValidationInvalidValue, http.StatusBadRequest},
		{"ResourceNotFound", func() *Error { return ResourceNotFound("entry") }, ErrResourceNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.createErr()
			if err.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, err.Code)
			}
			if err.Status() != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, err.Status())
			}
			if err.Message == "" {
				t.Error("expected non-empty message")
			}
		})
	}
}

func TestResourceNotFoundDetails(t *testing.T) {
	err := ResourceNotFound("lesson")
	if err.Details == nil {
		t.Fatal("expected details to be set")
	}
	if rt, ok := err.Details["resource_type"]; !ok || rt != "lesson" {
		t.Errorf("expected resource_type 'lesson', got %v", rt)
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   ErrorCode
		wantStatus int
	}{
		{"policy", fmt.Errorf("update: %w", &cache.PolicyError{Field: "max_age_days", Reason: "must not be negative"}), ErrCachePolicyInvalid, http.StatusBadRequest},
		{"cache miss", cache.ErrNotFound, ErrCacheNotFound, http.StatusNotFound},
		{"corrupted", fmt.Errorf("put a: %w", cache.ErrCorrupted), ErrCacheCorrupted, http.StatusUnprocessableEntity},
		{"already running", scheduler.ErrAlreadyRunning, ErrSyncAlreadyRunning, http.StatusConflict},
		{"offline", scheduler.ErrOffline, ErrSyncOffline, http.StatusServiceUnavailable},
		{"mismatch", syncqueue.ErrConfigurationMismatch, ErrSyncStateMismatch, http.StatusConflict},
		{"ineligible", syncqueue.ErrIneligible, ErrSyncNotRetryable, http.StatusConflict},
		{"storage full", storage.ErrFull, ErrSystemStorage, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, ErrSystemUnavailable, http.StatusGatewayTimeout},
		{"passthrough", SyncItemNotFound("x"), ErrSyncItemNotFound, http.StatusNotFound},
		{"unknown", errors.New("disk on fire"), ErrSystemInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(context.Background(), tt.err)
			if got.Code != tt.wantCode || got.Status() != tt.wantStatus {
				t.Fatalf("FromError(%v) = %s/%d, want %s/%d", tt.err, got.Code, got.Status(), tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestFromErrorHidesInternalText(t *testing.T) {
	got := FromError(context.Background(), errors.New("postgres://u:p@db failed"))
	if got.Message != "Internal server error" {
		t.Fatalf("internal error text leaked: %q", got.Message)
	}
}

func TestPolicyErrorDetails(t *testing.T) {
	got := FromError(context.Background(), &cache.PolicyError{Field: "eviction_strategy", Reason: "unknown"})
	if got.Details["field"] != "eviction_strategy" {
		t.Fatalf("expected field detail, got %v", got.Details)
	}
}
