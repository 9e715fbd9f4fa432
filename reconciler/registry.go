package reconciler

import (
	"fmt"
	"sync"
)

// StrategyRegistry looks up a Strategy by name, so new convergence
// strategies can be registered without touching Reconciler's construction
// path. Only Restart is registered by default; RollingUpdate, BlueGreen,
// Canary, and Manual are named in StrategyName but have no implementation
// yet.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[StrategyName]Strategy
}

// NewStrategyRegistry returns a registry pre-seeded with RestartStrategy.
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[StrategyName]Strategy)}
	r.Register(RestartStrategy{})
	return r
}

// Register adds or replaces the strategy under its own Name().
func (r *StrategyRegistry) Register(strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strategy.Name()] = strategy
}

// Get returns the strategy registered under name.
func (r *StrategyRegistry) Get(name StrategyName) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	strategy, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("reconciler: no strategy registered for %q", name)
	}
	return strategy, nil
}
