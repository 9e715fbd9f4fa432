package commbus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Middleware intercepts publishes for cross-cutting concerns: logging,
// circuit breaking, metrics. Before runs prior to a channel publish and may
// veto it by returning a nil payload; After runs once the transport call has
// returned.
type Middleware interface {
	Before(ctx context.Context, channel string, payload []byte) ([]byte, error)
	After(ctx context.Context, channel string, payload []byte, err error)
}

// LoggingMiddleware logs every publish on every channel.
type LoggingMiddleware struct{}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware() *LoggingMiddleware { return &LoggingMiddleware{} }

func (m *LoggingMiddleware) Before(ctx context.Context, channel string, payload []byte) ([]byte, error) {
	log.Printf("commbus: publish %s (%d bytes)", channel, len(payload))
	return payload, nil
}

func (m *LoggingMiddleware) After(ctx context.Context, channel string, payload []byte, err error) {
	if err != nil {
		log.Printf("commbus: publish %s failed: %v", channel, err)
		return
	}
	log.Printf("commbus: publish %s delivered", channel)
}

var errCircuitOpen = errors.New("circuit open")

// circuitState tracks breaker state for one channel.
type circuitState struct {
	failures    int
	lastFailure time.Time
	state       string // "closed", "open", "half-open"
}

// CircuitBreakerMiddleware opens a circuit per channel after a run of
// publish failures, blocking further publishes until resetTimeout elapses.
// It then turns half-open and lets publishes through: the next successful
// publish closes the circuit, the next failed one opens it again.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedChannels map[string]struct{}
	states           map[string]*circuitState
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedChannels []string) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedChannels))
	for _, c := range excludedChannels {
		excluded[c] = struct{}{}
	}
	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedChannels: excluded,
		states:           make(map[string]*circuitState),
	}
}

func (m *CircuitBreakerMiddleware) getState(channel string) *circuitState {
	if _, ok := m.states[channel]; !ok {
		m.states[channel] = &circuitState{state: "closed"}
	}
	return m.states[channel]
}

func (m *CircuitBreakerMiddleware) Before(ctx context.Context, channel string, payload []byte) ([]byte, error) {
	if _, excluded := m.excludedChannels[channel]; excluded {
		return payload, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(channel)
	now := time.Now()

	if state.state == "open" {
		if now.Sub(state.lastFailure) >= m.resetTimeout {
			state.state = "half-open"
		} else {
			return nil, NewTransportError(channel, errCircuitOpen)
		}
	}
	return payload, nil
}

func (m *CircuitBreakerMiddleware) After(ctx context.Context, channel string, payload []byte, err error) {
	if _, excluded := m.excludedChannels[channel]; excluded {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(channel)
	now := time.Now()

	if err != nil {
		state.failures++
		state.lastFailure = now
		if state.state == "half-open" {
			state.state = "open"
		} else if m.failureThreshold > 0 && state.failures >= m.failureThreshold {
			state.state = "open"
		}
		return
	}

	if state.state == "half-open" {
		state.state = "closed"
		state.failures = 0
	}
}

// States returns the current breaker state for every channel seen so far.
func (m *CircuitBreakerMiddleware) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.states))
	for channel, s := range m.states {
		out[channel] = s.state
	}
	return out
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
