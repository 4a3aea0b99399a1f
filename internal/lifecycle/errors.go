// internal/lifecycle/errors.go
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Precondition violations. These indicate caller programming errors and are
// never retried internally.
var (
	// ErrDefaultContextClose is returned when closing the always-present
	// default browser context is attempted.
	ErrDefaultContextClose = errors.New("the default browser context cannot be closed")

	// ErrDisconnectUnsupported is returned by Browser.Disconnect. Detaching
	// from a launched browser while leaving the process alive is not offered;
	// use Close instead.
	ErrDisconnectUnsupported = errors.New("disconnect is not supported; call Close to tear down the browser")

	// ErrNotAPage is returned when a page handle is requested from a target
	// that does not host a page (e.g. an auxiliary browser target).
	ErrNotAPage = errors.New("target does not host a page")
)

// TimeoutError is returned when a wait operation exceeds its configured
// bound. It is always recoverable by the caller.
type TimeoutError struct {
	// Op names the awaited resource ("target").
	Op string
	// Bound is the configured timeout that elapsed.
	Bound time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waiting for %s failed: timeout %s exceeded", e.Op, e.Bound)
}

// Timeout reports true so callers can detect the condition through the
// net.Error style convention as well as errors.As.
func (e *TimeoutError) Timeout() bool { return true }

// DesyncError indicates the lifecycle notification stream violated its
// ordering guarantee: a destroy or commit referenced a target id the registry
// has never seen. Continuing to act on the affected operation would corrupt
// the identity-continuity invariant, so it is surfaced instead of absorbed.
type DesyncError struct {
	// Event is the notification or operation that observed the inconsistency.
	Event string
	// TargetID is the unknown target id carried by the notification.
	TargetID string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("lifecycle stream desynchronized: %s references unknown target %q", e.Event, e.TargetID)
}
