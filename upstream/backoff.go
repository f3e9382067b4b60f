package upstream

import (
	"math/rand"
	"time"
)

// backoffDelay computes the exponential backoff delay for the given attempt
// (1-indexed), matching the schedule spec.md §4.1/§4.4 pin down:
// D * 2^(attempt-1). Grounded on warming/worker_pool.go's retryTask, which
// uses the same doubling schedule with jitter for its own retries.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// backoffDelayJittered adds up to 50% jitter on top of backoffDelay, for use
// on the Upstream Client's retry path where many callers may be retrying
// concurrently and synchronized retries would themselves create a thundering
// herd against the upstream.
func backoffDelayJittered(base time.Duration, attempt int) time.Duration {
	d := backoffDelay(base, attempt)
	if d <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}
