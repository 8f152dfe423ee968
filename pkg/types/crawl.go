package types

import (
	"net/http"
	"net/url"
	"time"
)

// Node models a single URL travelling through the crawl state machine.
// The frontier owns a node while it is pending; ownership transfers to
// the engine once popped.
type Node struct {
	URL          *url.URL
	Key          string
	Depth        int
	MaxDepth     int
	ParentKey    string
	Score        float64
	DiscoveredAt time.Time
	RetryCount   int
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}

// NodeState identifies where a node is in its lifecycle.
type NodeState uint8

const (
	StateQueued NodeState = iota
	StateValidating
	StateFilterCheck
	StateRobotsCheck
	StateAwaitingContext
	StateFetching
	StateLinkExtraction
	StateScoring
	StateDone
	StateSkipped
	StateFailed
	StateCancelled
)

// String returns the lifecycle label used in logs and results.
func (s NodeState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateValidating:
		return "validating"
	case StateFilterCheck:
		return "filter_check"
	case StateRobotsCheck:
		return "robots_check"
	case StateAwaitingContext:
		return "awaiting_context"
	case StateFetching:
		return "fetching"
	case StateLinkExtraction:
		return "link_extraction"
	case StateScoring:
		return "scoring"
	case StateDone:
		return "done"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a node's lifecycle.
func (s NodeState) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// StatsSnapshot is a frozen view of the run counters at emission time.
type StatsSnapshot struct {
	Queued        int64 `json:"queued"`
	InFlight      int64 `json:"in_flight"`
	Done          int64 `json:"done"`
	Failed        int64 `json:"failed"`
	Skipped       int64 `json:"skipped"`
	RobotsBlocked int64 `json:"robots_blocked"`
	Retries       int64 `json:"retries"`
}

// Result is one entry of the completion-ordered stream the engine emits.
// Every accepted node appears exactly once, as success, skip, or failure.
type Result struct {
	Node        Node
	State       NodeState
	Page        *Page
	Links       []*url.URL
	Err         error
	ExtractErr  error
	SkipReason  string
	RetryCount  int
	Stats       StatsSnapshot
	CompletedAt time.Time
}
