package reconciler

import (
	"sync"
	"time"

	"github.com/instanceforge/controlplane/messages"
)

const auditLogCapacity = 100

// auditLog holds the bounded, FIFO-evicting per-instance audit trail
// named in spec §4.4.
type auditLog struct {
	mu      sync.RWMutex
	entries map[string][]messages.AuditEntry
}

func newAuditLog() *auditLog {
	return &auditLog{entries: make(map[string][]messages.AuditEntry)}
}

func (a *auditLog) append(instanceID, action string, driftDetected bool, when time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := messages.AuditEntry{
		InstanceID:    instanceID,
		Action:        action,
		DriftDetected: driftDetected,
		Timestamp:     when,
	}
	log := append(a.entries[instanceID], entry)
	if len(log) > auditLogCapacity {
		log = log[len(log)-auditLogCapacity:]
	}
	a.entries[instanceID] = log
}

func (a *auditLog) forInstance(instanceID string) []messages.AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	log := a.entries[instanceID]
	result := make([]messages.AuditEntry, len(log))
	copy(result, log)
	return result
}
