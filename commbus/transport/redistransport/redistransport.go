// Package redistransport provides a Redis PUBLISH/SUBSCRIBE-backed
// commbus.Transport for genuinely multi-process deployments, where the
// in-memory transport's single-process fan-out isn't enough.
package redistransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Transport is a commbus.Transport backed by a Redis pub/sub client. Each
// channel subscribed to gets its own *redis.PubSub and a goroutine pumping
// its delivery channel into the registered handler, so per-channel
// ordering is preserved the way the spec requires.
type Transport struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	pubsub   *redis.PubSub
	handlers []func(payload []byte)
	cancel   context.CancelFunc
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle beyond Close, which only tears down this transport's
// subscriptions.
func New(client *redis.Client) *Transport {
	return &Transport{
		client: client,
		subs:   make(map[string]*subscription),
	}
}

// Publish issues a Redis PUBLISH on channel.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("redis transport closed")
	}
	t.mu.Unlock()

	return t.client.Publish(ctx, channel, payload).Err()
}

// Subscribe issues a Redis SUBSCRIBE on channel the first time it's called
// for that channel, and fans incoming messages out to every handler
// registered for it since. The returned unsubscribe func removes only this
// handler; the underlying Redis subscription is torn down once the last
// handler for a channel unsubscribes.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("redis transport closed")
	}

	sub, exists := t.subs[channel]
	if !exists {
		pubsub := t.client.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
		}

		subCtx, cancel := context.WithCancel(context.Background())
		sub = &subscription{pubsub: pubsub, cancel: cancel}
		t.subs[channel] = sub

		go t.pump(subCtx, channel, sub)
	}

	idx := len(sub.handlers)
	sub.handlers = append(sub.handlers, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			current, ok := t.subs[channel]
			if !ok || current != sub {
				return
			}
			sub.handlers[idx] = nil
			for _, h := range sub.handlers {
				if h != nil {
					return
				}
			}
			sub.cancel()
			_ = sub.pubsub.Close()
			delete(t.subs, channel)
		})
	}, nil
}

// pump reads from the Redis channel subscription and invokes every
// currently-registered handler for it on each message.
func (t *Transport) pump(ctx context.Context, channel string, sub *subscription) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.mu.Lock()
			handlers := make([]func(payload []byte), 0, len(sub.handlers))
			for _, h := range sub.handlers {
				if h != nil {
					handlers = append(handlers, h)
				}
			}
			t.mu.Unlock()
			payload := []byte(msg.Payload)
			for _, h := range handlers {
				h(payload)
			}
		}
	}
}

// Close tears down every active Redis subscription. The wrapped client
// itself is left open for the caller to close.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for channel, sub := range t.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(t.subs, channel)
	}
	return nil
}
