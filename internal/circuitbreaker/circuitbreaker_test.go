package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *testClock) *CircuitBreaker {
	return New(Config{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		Now:              clock.now,
	})
}

func TestCircuitBreakerStateClosed(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	})

	// Should allow calls in closed state
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be Closed, got %v", cb.GetState())
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	})

	testErr := errors.New("test error")

	// Fail 3 times to open the circuit
	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return testErr }); err != testErr {
			t.Errorf("Expected test error, got: %v", err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Errorf("Expected state to be Open, got %v", cb.GetState())
	}

	// Next call should fail immediately with circuit open error
	called := false
	err := cb.Call(func() error { called = true; return nil })
	if err != ErrCircuitOpen {
		t.Errorf("Expected ErrCircuitOpen, got: %v", err)
	}
	if called {
		t.Errorf("fn must not run while open")
	}
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	testErr := errors.New("test error")

	cb.Call(func() error { return testErr })
	cb.Call(func() error { return testErr })
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state to be Open, got %v", cb.GetState())
	}

	clock.advance(60 * time.Millisecond)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected success in half-open state, got: %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected Half-Open after one success, got %v", cb.GetState())
	}
}

func TestCircuitBreakerClosesAfterSuccesses(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	testErr := errors.New("test error")

	cb.Call(func() error { return testErr })
	cb.Call(func() error { return testErr })
	clock.advance(60 * time.Millisecond)

	// Two successes should close the circuit
	cb.Call(func() error { return nil })
	cb.Call(func() error { return nil })

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be Closed, got %v", cb.GetState())
	}
}

func TestCircuitBreakerReopensOnFailureInHalfOpen(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	testErr := errors.New("test error")

	cb.Call(func() error { return testErr })
	cb.Call(func() error { return testErr })
	clock.advance(60 * time.Millisecond)

	// Failure in half-open should reopen the circuit
	cb.Call(func() error { return testErr })

	if cb.GetState() != StateOpen {
		t.Errorf("Expected state to be Open after failure in half-open, got %v", cb.GetState())
	}
	if err := cb.Call(func() error { return nil }); err != ErrCircuitOpen {
		t.Errorf("Expected ErrCircuitOpen right after reopening, got %v", err)
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		err := cb.Call(func() error { return context.Canceled })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation to pass through, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("cancellation must not trip the breaker, got %v", cb.GetState())
	}
}

func TestCircuitBreakerCustomIsFailure(t *testing.T) {
	notFound := errors.New("not found")
	cb := New(Config{
		Name:             "test",
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, notFound) },
	})
	cb.Call(func() error { return notFound })
	if cb.GetState() != StateClosed {
		t.Fatalf("expected ignored error to keep breaker closed, got %v", cb.GetState())
	}
	cb.Call(func() error { return errors.New("boom") })
	if cb.GetState() != StateOpen {
		t.Fatalf("expected breaker open, got %v", cb.GetState())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
