package audit

import (
	"context"
	"sync"
	"time"
)

// History is a bounded in-process buffer of recent operations per user. It is
// a purely advisory read-through accelerator for operator tooling; the
// durable compliance store owns the authoritative trail.
type History struct {
	mu     sync.Mutex
	size   int
	byUser map[string][]Record
}

// NewHistory creates a [History] keeping the last size records per user.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{
		size:   size,
		byUser: make(map[string][]Record),
	}
}

// Emit appends the record to the user's ring, evicting the oldest entry when
// full. Records without a user id are not retained; they have no retrieval
// key.
func (h *History) Emit(_ context.Context, rec Record) {
	if h == nil || rec.UserID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.byUser[rec.UserID]
	entries = append(entries, rec)
	if len(entries) > h.size {
		entries = entries[len(entries)-h.size:]
	}
	h.byUser[rec.UserID] = entries
}

// Recent returns the user's retained records, oldest first. The returned
// slice is a copy.
func (h *History) Recent(userID string) []Record {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.byUser[userID]
	if len(entries) == 0 {
		return nil
	}

	out := make([]Record, len(entries))
	copy(out, entries)
	return out
}

// Entries returns the total number of retained records across users.
func (h *History) Entries() int {
	if h == nil {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, entries := range h.byUser {
		total += len(entries)
	}
	return total
}

// TrimExpired drops records older than maxAge, releases empty user slots and
// reports how many records were removed. Called from the maintenance job.
func (h *History) TrimExpired(maxAge time.Duration, now time.Time) int {
	if h == nil || maxAge <= 0 {
		return 0
	}

	cutoff := now.Add(-maxAge)

	h.mu.Lock()
	defer h.mu.Unlock()

	trimmed := 0
	for userID, entries := range h.byUser {
		keep := entries[:0]
		for _, rec := range entries {
			if rec.Timestamp.After(cutoff) {
				keep = append(keep, rec)
			}
		}
		trimmed += len(entries) - len(keep)
		if len(keep) == 0 {
			delete(h.byUser, userID)
			continue
		}
		h.byUser[userID] = keep
	}
	return trimmed
}
