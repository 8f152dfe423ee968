package frontier

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Status tracks a normalized URL key through its lifecycle. Transitions
// only move forward: pending -> done|failed|skipped, never back.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusDone
	StatusFailed
	StatusSkipped
)

// Terminal reports whether a status seals the key for the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Entry records when a key was first seen and where it stands.
type Entry struct {
	Status    Status
	FirstSeen time.Time
}

// Visited is the at-most-once ledger for one crawl run. A bloom filter
// answers the common "never seen" case without touching the exact map.
type Visited struct {
	mu      sync.RWMutex
	seen    *bloom.BloomFilter
	entries map[string]Entry
}

// NewVisited sizes the set for the expected number of distinct URLs.
func NewVisited(expected uint) *Visited {
	if expected == 0 {
		expected = 100_000
	}
	return &Visited{
		seen:    bloom.NewWithEstimates(expected, 0.01),
		entries: make(map[string]Entry),
	}
}

// MarkPending registers a key as enqueued. It returns false when the key
// is already pending or terminal, which is the duplicate-rejection signal
// the frontier relies on.
func (v *Visited) MarkPending(key string) bool {
	if key == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen.TestString(key) {
		if _, ok := v.entries[key]; ok {
			return false
		}
		// Bloom false positive: fall through and record for real.
	}
	v.seen.AddString(key)
	v.entries[key] = Entry{Status: StatusPending, FirstSeen: time.Now()}
	return true
}

// Seal moves a pending key to a terminal status. Calls for keys that are
// unknown or already terminal are no-ops, preserving the forward-only
// invariant.
func (v *Visited) Seal(key string, status Status) bool {
	if key == "" || !status.Terminal() {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.entries[key]
	if !ok || entry.Status != StatusPending {
		return false
	}
	entry.Status = status
	v.entries[key] = entry
	return true
}

// Status reports the current status for a key.
func (v *Visited) Status(key string) Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.entries[key].Status
}

// Len returns the number of keys ever registered.
func (v *Visited) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}
