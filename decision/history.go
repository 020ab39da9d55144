package decision

import (
	"sync"
	"time"
)

// HistoryEntry one past directive summarized for future prompts.
type HistoryEntry struct {
	Time       time.Time
	Action     Action
	Confidence float64
	Summary    string
}

// History a fixed-capacity ring of recent directives, newest last.
// Feeding past decisions back into the prompt keeps the provider from
// flip-flopping between cycles.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	cap     int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 10
	}
	return &History{cap: capacity}
}

func (h *History) Add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
}

// Recent returns a copy of the ring, oldest first.
func (h *History) Recent() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}
