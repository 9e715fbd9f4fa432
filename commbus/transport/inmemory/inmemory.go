// Package inmemory provides an in-process commbus.Transport: a thread-safe
// fan-out registry with no external dependencies, suitable for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type subscriberEntry struct {
	id      string
	handler func(payload []byte)
}

// Transport is an in-memory, single-process commbus.Transport. Publish
// fans a payload out to every subscriber of the channel concurrently;
// subscriber panics and errors are not the transport's concern since
// handlers here return nothing (mirrors the commbus.Transport contract).
type Transport struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextSubID   uint64
	closed      bool
}

// New creates a new in-memory transport.
func New() *Transport {
	return &Transport{
		subscribers: make(map[string][]subscriberEntry),
	}
}

// Publish fans payload out to every current subscriber of channel,
// concurrently. Returns immediately after dispatch; it does not wait for
// handlers to finish, matching "delivery acknowledged, not delivery
// completed" semantics. Each delivery runs in its own goroutine, so two
// payloads published in turn on one channel may reach a subscriber in
// either order.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return fmt.Errorf("inmemory transport closed")
	}
	entries := t.subscribers[channel]
	entriesCopy := make([]subscriberEntry, len(entries))
	copy(entriesCopy, entries)
	t.mu.RUnlock()

	for _, entry := range entriesCopy {
		go entry.handler(payload)
	}
	return nil
}

// Subscribe registers handler for channel. The returned unsubscribe func is
// idempotent.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("inmemory transport closed")
	}
	subID := fmt.Sprintf("sub_%d", atomic.AddUint64(&t.nextSubID, 1))
	t.subscribers[channel] = append(t.subscribers[channel], subscriberEntry{id: subID, handler: handler})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			entries := t.subscribers[channel]
			for i, entry := range entries {
				if entry.id == subID {
					t.subscribers[channel] = append(entries[:i], entries[i+1:]...)
					return
				}
			}
		})
	}, nil
}

// Close marks the transport closed; further Publish/Subscribe calls fail.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subscribers = make(map[string][]subscriberEntry)
	return nil
}
