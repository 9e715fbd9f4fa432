package apinode

import (
	"sync"
	"time"

	"github.com/instanceforge/controlplane/messages"
)

// statusRingCapacity is the bounded size of the status-change ring per
// spec §4.3: the oldest entry is evicted once the ring is full.
const statusRingCapacity = 1000

// StatusRing is a bounded, queryable record of every status change the API
// node has observed, newest-appendable, oldest-evicting.
type StatusRing struct {
	mu       sync.RWMutex
	entries  []messages.StatusChangeRecord
	capacity int
}

// NewStatusRing creates a ring with the default 1000-entry capacity.
func NewStatusRing() *StatusRing {
	return &StatusRing{capacity: statusRingCapacity}
}

// Push appends record, evicting the oldest entry if the ring is full.
func (r *StatusRing) Push(record messages.StatusChangeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, record)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

// Query returns every entry with Timestamp after since, optionally
// filtered to those whose NewStatus equals statusFilter.
func (r *StatusRing) Query(since time.Time, statusFilter *messages.InstanceStatus) []messages.StatusChangeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]messages.StatusChangeRecord, 0)
	for _, entry := range r.entries {
		if !entry.Timestamp.After(since) {
			continue
		}
		if statusFilter != nil && entry.NewStatus != *statusFilter {
			continue
		}
		result = append(result, entry)
	}
	return result
}

// Len reports the current number of entries held.
func (r *StatusRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
