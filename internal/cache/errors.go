package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id has no entry.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrCorrupted is returned when an entry failed checksum verification.
	ErrCorrupted = errors.New("cache: entry corrupted")
	// ErrCapacityExceeded signals a write that needs a sweep; it is resolved internally.
	ErrCapacityExceeded = errors.New("cache: capacity exceeded")
)

// PolicyError reports an invalid policy. Invalid policies are never applied.
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("invalid cache policy: %s %s", e.Field, e.Reason)
}

// IsPolicyError reports whether err is (or wraps) a *PolicyError.
func IsPolicyError(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
