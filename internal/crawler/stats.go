package crawler

import (
	"sync/atomic"

	"webtraverse/pkg/types"
)

// Stats holds the run counters. All fields are atomics so workers can
// update them without coordination; Snapshot gives a consistent-enough
// view for monitoring and cancellation decisions.
type Stats struct {
	queued        atomic.Int64
	inFlight      atomic.Int64
	done          atomic.Int64
	failed        atomic.Int64
	skipped       atomic.Int64
	robotsBlocked atomic.Int64
	retries       atomic.Int64
}

// NewStats returns zeroed counters for a run.
func NewStats() *Stats {
	return &Stats{}
}

// Snapshot freezes the counters into a value.
func (s *Stats) Snapshot() types.StatsSnapshot {
	return types.StatsSnapshot{
		Queued:        s.queued.Load(),
		InFlight:      s.inFlight.Load(),
		Done:          s.done.Load(),
		Failed:        s.failed.Load(),
		Skipped:       s.skipped.Load(),
		RobotsBlocked: s.robotsBlocked.Load(),
		Retries:       s.retries.Load(),
	}
}
