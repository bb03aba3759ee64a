package router

import (
	"sync"
	"time"

	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// DefaultDLQCapacity bounds the dead-letter queue. The oldest entry is
// evicted when a new one arrives at capacity.
const DefaultDLQCapacity = 1000

// DeadLetter is one undeliverable message with the reason it failed.
type DeadLetter struct {
	Message     *types.Message `json:"message"`
	ProjectID   string         `json:"project_id"`
	RecipientID string         `json:"recipient_id"`
	Reason      string         `json:"reason"`
	FailedAt    time.Time      `json:"failed_at"`
}

// DLQ is a bounded in-memory dead-letter queue, inspectable for debugging
// delivery failures.
type DLQ struct {
	mu       sync.Mutex
	entries  []DeadLetter
	capacity int
}

// NewDLQ creates a dead-letter queue. capacity <= 0 uses the default.
func NewDLQ(capacity int) *DLQ {
	if capacity <= 0 {
		capacity = DefaultDLQCapacity
	}
	return &DLQ{capacity: capacity}
}

// Append records a failed delivery, evicting the oldest entry at capacity.
func (d *DLQ) Append(entry DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) >= d.capacity {
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, entry)
	metrics.DeadLetters.WithLabelValues(entry.ProjectID, entry.Reason).Inc()
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (d *DLQ) List(projectID string, limit int) []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DeadLetter
	for i := len(d.entries) - 1; i >= 0; i-- {
		if projectID != "" && d.entries[i].ProjectID != projectID {
			continue
		}
		out = append(out, d.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len reports the current number of entries.
func (d *DLQ) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Clear drops entries, all of them or only one project's, and returns the
// number removed.
func (d *DLQ) Clear(projectID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if projectID == "" {
		n := len(d.entries)
		d.entries = nil
		return n
	}
	kept := d.entries[:0]
	removed := 0
	for _, e := range d.entries {
		if e.ProjectID == projectID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	return removed
}
