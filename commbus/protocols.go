// Package commbus provides the message-bus abstraction at the core of the
// control plane: channel-addressed publish/subscribe plus a synchronous
// request/reply pattern layered on top of a pluggable Transport.
package commbus

import (
	"context"
	"time"
)

// Transport is the narrow interface the bus needs from a backing pub/sub
// system. Any transport offering channel-addressed fanout publish and
// per-channel subscription, with ordered-per-channel delivery to a single
// subscriber, satisfies it.
type Transport interface {
	// Publish hands payload to the transport for delivery on channel.
	// Returns once the transport has acknowledged receipt, not delivery.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler to be invoked once per message delivered
	// on channel. The returned unsubscribe func is idempotent.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (unsubscribe func(), err error)

	// Close releases any resources held by the transport (connections,
	// background goroutines). Subsequent calls are safe no-ops.
	Close() error
}

// BusLogger is the structured-logging interface used internally by Bus.
// Kept separate from any application-wide logger protocol so the bus can be
// used standalone.
type BusLogger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// defaultTimeout is used by Request when the caller passes a zero timeout.
const defaultTimeout = 30 * time.Second
