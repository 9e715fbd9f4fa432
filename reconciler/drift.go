package reconciler

import (
	"sync"

	"github.com/instanceforge/controlplane/messages"
)

// lastAppliedStore is the reconciler-local "actual state" cache: it is
// written only after a strategy successfully applies the desired
// configuration, per spec §4.4.
type lastAppliedStore struct {
	mu     sync.RWMutex
	values map[string]messages.DeclaredConfiguration
}

func newLastAppliedStore() *lastAppliedStore {
	return &lastAppliedStore{values: make(map[string]messages.DeclaredConfiguration)}
}

func (s *lastAppliedStore) get(id string) (messages.DeclaredConfiguration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	config, ok := s.values[id]
	return config, ok
}

func (s *lastAppliedStore) set(id string, config messages.DeclaredConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = config
}

// detectDrift compares host, port, logLevel, and list *lengths* of
// sources/queries/reactions between desired and the cached lastApplied
// configuration. This is the spec's intentionally lossy MVP comparison: a
// reorder or field change inside a same-length list goes undetected: see
// the Open Question decision recorded in DESIGN.md. Absence of a
// lastApplied entry always counts as drift.
func detectDrift(desired messages.DeclaredConfiguration, lastApplied messages.DeclaredConfiguration, hadLastApplied bool) bool {
	if !hadLastApplied {
		return true
	}
	if desired.Host != lastApplied.Host || desired.Port != lastApplied.Port || desired.LogLevel != lastApplied.LogLevel {
		return true
	}
	if len(desired.Sources) != len(lastApplied.Sources) {
		return true
	}
	if len(desired.Queries) != len(lastApplied.Queries) {
		return true
	}
	if len(desired.Reactions) != len(lastApplied.Reactions) {
		return true
	}
	return false
}
