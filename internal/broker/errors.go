package broker

import (
	"errors"
	"fmt"
)

// Domain error sentinels for the broker core. State errors are surfaced to
// the caller synchronously and never retried automatically; not-found is a
// normal negative result and uses nil/false returns instead of an error.

var (
	// ErrNotConnected indicates an agent-client call was made while the
	// connection is not in the Connected state.
	ErrNotConnected = errors.New("agent client not connected")

	// ErrInvalidState indicates an operation is not legal in the current
	// lifecycle state (e.g. config mutation while running).
	ErrInvalidState = errors.New("invalid client state")

	// ErrNotFound indicates the requested session record does not exist.
	ErrNotFound = errors.New("session not found")
)

// NotConnectedError wraps ErrNotConnected with a descriptive message.
func NotConnectedError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotConnected)
}

// InvalidStateError wraps ErrInvalidState with a descriptive message.
func InvalidStateError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidState)
}

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}
