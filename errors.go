package courier

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/courier/attachment"
	"github.com/rbaliyan/courier/transport"
)

// Sentinel errors for the courier package.
// Use errors.Is() to check for these errors.
//
// Errors that correspond to transport- or attachment-level conditions wrap
// the subpackage sentinel, so errors.Is(err, courier.ErrNotConnected)
// matches both layers.
var (
	// ErrTransportRequired is returned when no transport is configured.
	ErrTransportRequired = errors.New("courier: transport is required")

	// ErrNotConnected is returned when operations are attempted before
	// Connect(). Wraps transport.ErrNotConnected.
	ErrNotConnected = fmt.Errorf("courier: %w", transport.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps transport.ErrAlreadyConnected.
	ErrAlreadyConnected = fmt.Errorf("courier: %w", transport.ErrAlreadyConnected)

	// ErrInvalidKeyExpr is returned when a key expression is empty or
	// contains control characters.
	ErrInvalidKeyExpr = errors.New("courier: invalid key expression")

	// ErrMalformedAttachment mirrors attachment.ErrMalformed for callers
	// that only import the root package.
	ErrMalformedAttachment = attachment.ErrMalformed
)

// EventPublishError is returned (via the configured failure callback) when
// a lifecycle event fails to publish after the underlying operation already
// succeeded.
type EventPublishError struct {
	Event string // the event name (e.g., "QuerySent")
	Err   error  // the underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("courier: event %s publish failed: %v", e.Event, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// isValidKeyExpr checks that a key expression is non-empty and free of
// whitespace and control characters. Path-style expressions ("demo/room/1")
// are the expected shape; resolution and wildcard matching belong to the
// transport and are not validated here.
func isValidKeyExpr(keyExpr string) bool {
	if keyExpr == "" {
		return false
	}
	for _, c := range keyExpr {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c < 32 || c == 127 {
			return false
		}
	}
	return true
}
