package commbus

import (
	"fmt"
	"time"
)

// TransportError wraps a failure reported by the backing Transport on
// publish or subscribe.
type TransportError struct {
	Channel string
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on channel %s: %v", e.Channel, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// NewTransportError creates a new TransportError.
func NewTransportError(channel string, cause error) *TransportError {
	return &TransportError{Channel: channel, Cause: cause}
}

// RequestTimeoutError is raised when Request's deadline elapses before a
// reply arrives on the ephemeral reply channel.
type RequestTimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request on %s timed out after %s", e.Channel, e.Timeout)
}

// NewRequestTimeoutError creates a new RequestTimeoutError.
func NewRequestTimeoutError(channel string, timeout time.Duration) *RequestTimeoutError {
	return &RequestTimeoutError{Channel: channel, Timeout: timeout}
}
