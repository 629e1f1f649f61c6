package syncqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationMismatch is returned when an operation targets an item
	// that is not in the state it expects, such as resolving a conflict that
	// no longer exists. The call is a no-op.
	ErrConfigurationMismatch = errors.New("syncqueue: configuration mismatch")
	// ErrIneligible is returned by Retry for items that cannot be retried.
	ErrIneligible = errors.New("syncqueue: item not eligible for retry")
)

// TransportError wraps a failed remote call.
type TransportError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransportError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// permanent reports whether err says the remote will never accept the
// request as sent, so retrying cannot help.
func permanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
