package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrContextInvalid signals that the borrowed execution context can no
// longer perform fetches (browser crashed, client torn down). The
// engine treats it as retryable: the pool will mint a fresh context.
var ErrContextInvalid = errors.New("execution context invalid")

// NetworkError wraps transport-level failures: DNS, dial, TLS, resets.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError marks a fetch that exceeded its per-request deadline.
// Distinct from run-level cancellation, and always retryable.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout fetching %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StatusError reports an HTTP status that should be retried (429 and
// 5xx). Other statuses are regular results, not errors.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s returned status %d", e.URL, e.StatusCode)
}

// Retryable classifies fetch errors per the crawl retry policy.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	var timeoutErr *TimeoutError
	var statusErr *StatusError
	switch {
	case errors.As(err, &netErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &statusErr),
		errors.Is(err, ErrContextInvalid):
		return true
	default:
		return false
	}
}

// classify converts a raw transport error into the typed taxonomy.
func classify(target string, err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &TimeoutError{URL: target, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: target, Err: err}
	}
	return &NetworkError{URL: target, Err: err}
}
