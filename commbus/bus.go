package commbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultBusLogger wraps the standard log package.
type defaultBusLogger struct{}

func (l *defaultBusLogger) Debug(msg string, kv ...any) { log.Printf("[DEBUG] %s %v", msg, kv) }
func (l *defaultBusLogger) Info(msg string, kv ...any)  { log.Printf("[INFO] %s %v", msg, kv) }
func (l *defaultBusLogger) Warn(msg string, kv ...any)  { log.Printf("[WARN] %s %v", msg, kv) }
func (l *defaultBusLogger) Error(msg string, kv ...any) { log.Printf("[ERROR] %s %v", msg, kv) }

type noopBusLogger struct{}

func (l *noopBusLogger) Debug(msg string, kv ...any) {}
func (l *noopBusLogger) Info(msg string, kv ...any)  {}
func (l *noopBusLogger) Warn(msg string, kv ...any)  {}
func (l *noopBusLogger) Error(msg string, kv ...any) {}

// NoopBusLogger returns a BusLogger that discards everything.
func NoopBusLogger() BusLogger { return &noopBusLogger{} }

// envelope is the wire shape for a request expecting a reply. Pure
// publishes are transmitted as the raw payload instead.
type envelope struct {
	Request      json.RawMessage `json:"request"`
	ReplyChannel string          `json:"replyChannel"`
}

// Bus layers typed publish/subscribe and synchronous request/reply over a
// Transport. It holds no subscriber state of its own beyond what's needed to
// generate unique reply-channel suffixes; fan-out and delivery ordering are
// the Transport's responsibility.
type Bus struct {
	transport      Transport
	logger         BusLogger
	defaultTimeout time.Duration
	middleware     []Middleware
	mu             sync.RWMutex
}

// NewBus creates a Bus over the given transport with the default logger.
func NewBus(transport Transport) *Bus {
	return NewBusWithLogger(transport, &defaultBusLogger{})
}

// NewBusWithLogger creates a Bus with a custom logger. Pass NoopBusLogger()
// to silence bus logging entirely.
func NewBusWithLogger(transport Transport, logger BusLogger) *Bus {
	if logger == nil {
		logger = &defaultBusLogger{}
	}
	return &Bus{
		transport:      transport,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// AddMiddleware registers middleware run around every Publish (including
// the envelope publish inside Request), in registration order before the
// transport call and reverse order after.
func (b *Bus) AddMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Publish serializes message and hands it to the transport as a raw
// payload. Returns once the transport has acknowledged receipt; never
// blocks on subscribers.
func (b *Bus) Publish(ctx context.Context, channel string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", channel, err)
	}
	return b.publishRaw(ctx, channel, payload)
}

func (b *Bus) publishRaw(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	chain := make([]Middleware, len(b.middleware))
	copy(chain, b.middleware)
	b.mu.RUnlock()

	current := payload
	for _, mw := range chain {
		next, err := mw.Before(ctx, channel, current)
		if err != nil {
			return err
		}
		if next == nil {
			b.logger.Debug("publish_vetoed_by_middleware", "channel", channel)
			return nil
		}
		current = next
	}

	err := b.transport.Publish(ctx, channel, current)

	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].After(ctx, channel, current, err)
	}

	if err != nil {
		b.logger.Warn("publish_failed", "channel", channel, "error", err.Error())
		return NewTransportError(channel, err)
	}
	b.logger.Debug("published", "channel", channel)
	return nil
}

// Subscribe registers a raw handler invoked once per message delivered on
// channel. If the incoming payload is an envelope ({request, replyChannel}),
// the reply channel is peeled off and passed to handler separately; the
// handler always receives the underlying message payload on its own.
// Subscription persists until the context is cancelled or unsubscribe is
// called.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload []byte, replyChannel string)) (func(), error) {
	unsubscribe, err := b.transport.Subscribe(ctx, channel, func(raw []byte) {
		payload, replyChannel := peelEnvelope(raw)
		handler(ctx, payload, replyChannel)
	})
	if err != nil {
		return nil, NewTransportError(channel, err)
	}
	b.logger.Debug("subscribed", "channel", channel)

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return unsubscribe, nil
}

// Request atomically generates a unique reply channel, subscribes to it,
// publishes the envelope {request, replyChannel} to channel, and waits for
// one message on the reply channel or the timeout to elapse. It leaks no
// reply subscription on any exit path.
func (b *Bus) Request(ctx context.Context, channel string, request any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	requestPayload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", channel, err)
	}

	replyChannel := fmt.Sprintf("%s.response.%s", channel, uuid.NewString())

	replyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan json.RawMessage, 1)
	unsubscribe, err := b.transport.Subscribe(replyCtx, replyChannel, func(raw []byte) {
		select {
		case resultCh <- raw:
		default:
		}
	})
	if err != nil {
		return nil, NewTransportError(replyChannel, err)
	}
	defer unsubscribe()

	env := envelope{Request: requestPayload, ReplyChannel: replyChannel}
	envPayload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for %s: %w", channel, err)
	}
	if err := b.publishRaw(ctx, channel, envPayload); err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-replyCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewRequestTimeoutError(channel, timeout)
	}
}

// peelEnvelope inspects raw for the {request, replyChannel} shape. If both
// fields are present, the reply channel is returned alongside the inner
// request payload; otherwise raw is returned unchanged with an empty reply
// channel.
func peelEnvelope(raw []byte) (payload []byte, replyChannel string) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return raw, ""
	}
	requestField, hasRequest := probe["request"]
	replyField, hasReply := probe["replyChannel"]
	if !hasRequest || !hasReply {
		return raw, ""
	}
	var channel string
	if err := json.Unmarshal(replyField, &channel); err != nil {
		return raw, ""
	}
	return requestField, channel
}
