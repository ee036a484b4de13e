// Package evidence keeps a bounded in-memory trail of adapter activity (polls,
// acknowledgments, webhook deliveries, detail lookups). The trail backs a
// support endpoint used to answer "did events actually arrive" without log
// access.
package evidence

import (
	"sync"
	"time"

	"prato.app/ingest/common/id"
)

const (
	KindWebhook = "webhook"
	KindPoll    = "poll"
	KindAck     = "ack"
	KindDetail  = "detail"
)

type Entry struct {
	ID       int64          `json:"id"`
	Kind     string         `json:"kind"`
	TenantID int64          `json:"tenant_id,omitempty"`
	At       time.Time      `json:"at"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Recorder is a fixed-capacity ring buffer; the oldest entry is dropped once
// the capacity is reached. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{entries: make([]Entry, capacity)}
}

func (r *Recorder) Record(kind string, tenantID int64, detail map[string]any) {
	entry := Entry{
		ID:       id.New(),
		Kind:     kind,
		TenantID: tenantID,
		At:       time.Now().UTC(),
		Detail:   detail,
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Pack returns the recorded entries, newest first.
func (r *Recorder) Pack() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.entries)
	}

	out := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.entries)
		}
		out = append(out, r.entries[idx])
	}
	return out
}
