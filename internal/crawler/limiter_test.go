package crawler

import (
	"context"
	"testing"
	"time"
)

func TestDomainLimiterEnforcesDelay(t *testing.T) {
	limiter := NewDomainLimiter(50*time.Millisecond, RateLimiterSettings{})
	ctx := context.Background()

	start := time.Now()
	if err := limiter.Wait(ctx, "example.com"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := limiter.Wait(ctx, "example.com"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("second request should have waited, elapsed %v", elapsed)
	}
}

func TestDomainLimiterHostsAreIndependent(t *testing.T) {
	limiter := NewDomainLimiter(200*time.Millisecond, RateLimiterSettings{})
	ctx := context.Background()

	if err := limiter.Wait(ctx, "a.example.com"); err != nil {
		t.Fatalf("wait a: %v", err)
	}
	start := time.Now()
	if err := limiter.Wait(ctx, "b.example.com"); err != nil {
		t.Fatalf("wait b: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("different host should not wait, elapsed %v", elapsed)
	}
}

func TestDomainLimiterCancellation(t *testing.T) {
	limiter := NewDomainLimiter(time.Minute, RateLimiterSettings{})

	if err := limiter.Wait(context.Background(), "example.com"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "example.com"); err == nil {
		t.Fatalf("expected cancellation error while waiting")
	}
}

func TestDomainLimiterQueuesConcurrentWaiters(t *testing.T) {
	limiter := NewDomainLimiter(30*time.Millisecond, RateLimiterSettings{})
	ctx := context.Background()

	if err := limiter.Wait(ctx, "example.com"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	start := time.Now()
	done := make(chan time.Duration, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if err := limiter.Wait(ctx, "example.com"); err != nil {
				done <- -1
				return
			}
			done <- time.Since(start)
		}()
	}

	first, second := <-done, <-done
	if first < 0 || second < 0 {
		t.Fatalf("unexpected wait error")
	}
	if second < first {
		first, second = second, first
	}
	// The second waiter must queue one full delay behind the first.
	if second-first < 20*time.Millisecond {
		t.Fatalf("waiters woke together: %v and %v", first, second)
	}
}

func TestDomainLimiterDisabled(t *testing.T) {
	limiter := NewDomainLimiter(0, RateLimiterSettings{})
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := limiter.Wait(context.Background(), "example.com"); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("disabled limiter should not block, elapsed %v", elapsed)
	}
}

func TestDomainLimiterRateBucket(t *testing.T) {
	limiter := NewDomainLimiter(0, RateLimiterSettings{
		Requests: 2,
		Window:   100 * time.Millisecond,
	})
	ctx := context.Background()

	start := time.Now()
	// The burst admits the first two immediately; the third pays the
	// refill interval.
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx, "example.com"); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("third request should have been rate limited, elapsed %v", elapsed)
	}
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 400 * time.Millisecond

	for attempt := 0; attempt < 6; attempt++ {
		d := retryBackoff(base, max, attempt)
		if d < base/2 {
			t.Fatalf("attempt %d: backoff %v below jitter floor", attempt, d)
		}
		if d > max {
			t.Fatalf("attempt %d: backoff %v exceeds cap", attempt, d)
		}
	}

	if a, b := retryBackoff(base, max, 0), retryBackoff(base, max, 2); b < a/2 {
		t.Fatalf("backoff should not shrink with attempts: %v then %v", a, b)
	}
}
