package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/lessonsync/internal/circuitbreaker"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		body      string
		wantType  ErrorType
		retryable bool
		wantMsg   string
	}{
		{"rate limited", http.StatusTooManyRequests, "", ErrorRateLimited, true, ""},
		{"server error", http.StatusBadGateway, "upstream down", ErrorServerError, true, "upstream down"},
		{"unauthorized", http.StatusUnauthorized, "", ErrorUnauthorized, true, ""},
		{"timeout", http.StatusRequestTimeout, "", ErrorServerError, true, ""},
		{"forbidden", http.StatusForbidden, `{"error":"read only"}`, ErrorForbidden, false, "read only"},
		{"too large", http.StatusRequestEntityTooLarge, `{"message":"limit 1MB"}`, ErrorTooLarge, false, "limit 1MB"},
		{"unprocessable", http.StatusUnprocessableEntity, "", ErrorBadRequest, false, ""},
		{"other 4xx", http.StatusTeapot, "", ErrorBadRequest, false, ""},
		{"not found", http.StatusNotFound, "", ErrorNotFound, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classify(tt.code, []byte(tt.body))
			if e.Type != tt.wantType {
				t.Errorf("type = %v, want %v", e.Type, tt.wantType)
			}
			if e.Retryable != tt.retryable || e.Permanent() == tt.retryable {
				t.Errorf("retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if e.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", e.Message, tt.wantMsg)
			}
		})
	}
}

func TestPermanentRejectionDoesNotTripBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	t.Cleanup(ts.Close)
	c, err := New(Config{
		BaseURL: ts.URL,
		Breaker: circuitbreaker.Config{Name: "remote-permanent", FailureThreshold: 1},
	}, ts.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Write(context.Background(), "big", []byte("x"), 1); err == nil {
			t.Fatal("expected error")
		}
	}
	if c.BreakerState() != circuitbreaker.StateClosed {
		t.Fatalf("expected closed breaker, got %v", c.BreakerState())
	}
}
