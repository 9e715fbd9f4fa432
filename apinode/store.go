// Package apinode implements the control plane's single user-facing
// surface: instance CRUD, lifecycle commands relayed over the bus,
// declared-configuration reads/patches, the bounded status-change ring,
// and the status-update ingress path workers report through.
package apinode

import (
	"sync"
	"time"

	"github.com/instanceforge/controlplane/messages"
)

// store is the API node's in-memory metadata store. Instance, its
// DeclaredConfiguration, and its last-known RuntimeInfo are exclusively
// owned here per spec §3's ownership rules; workers only ever see a copy
// passed in a Command.
type store struct {
	mu        sync.RWMutex
	instances map[string]*messages.Instance
	configs   map[string]*messages.DeclaredConfiguration
	runtimes  map[string]*messages.RuntimeInfo
}

func newStore() *store {
	return &store{
		instances: make(map[string]*messages.Instance),
		configs:   make(map[string]*messages.DeclaredConfiguration),
		runtimes:  make(map[string]*messages.RuntimeInfo),
	}
}

func (s *store) put(instance messages.Instance, config messages.DeclaredConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = &instance
	s.configs[instance.ID] = &config
}

func (s *store) get(id string) (messages.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return messages.Instance{}, false
	}
	return *inst, true
}

func (s *store) list() []messages.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]messages.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		result = append(result, *inst)
	}
	return result
}

func (s *store) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	delete(s.configs, id)
	delete(s.runtimes, id)
}

func (s *store) getConfig(id string) (messages.DeclaredConfiguration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return messages.DeclaredConfiguration{}, false
	}
	return *cfg, true
}

func (s *store) putConfig(id string, config messages.DeclaredConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[id] = &config
}

func (s *store) setStatus(id string, status messages.InstanceStatus, when time.Time) (messages.InstanceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return "", false
	}
	old := inst.Status
	inst.Status = status
	inst.LastModifiedAt = when
	return old, true
}

func (s *store) putRuntime(id string, info messages.RuntimeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[id] = &info
}

func (s *store) getRuntime(id string) (messages.RuntimeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.runtimes[id]
	if !ok {
		return messages.RuntimeInfo{}, false
	}
	return *info, true
}
