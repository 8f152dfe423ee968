package crawler

import (
	"math/rand"
	"time"
)

// retryBackoff computes the delay before the given retry attempt:
// base doubled per attempt, capped at max, with half-width jitter so
// simultaneous failures do not retry in lockstep.
func retryBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
