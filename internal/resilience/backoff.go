package resilience

import (
	"context"
	"fmt"
	"time"
)

// Backoff computes exponentially growing delays between attempts.
type Backoff struct {
	// Initial is the delay after the first failure. Default: 1s.
	Initial time.Duration

	// Max caps the delay. Default: 30s.
	Max time.Duration
}

// Delay returns the wait before attempt n (1-based). Attempt 1 waits Initial.
func (b Backoff) Delay(n int) time.Duration {
	initial, ceiling := b.Initial, b.Max
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// Retry calls fn up to attempts times, waiting [Backoff.Delay] between
// failures. It stops early when fn succeeds or ctx ends, and returns the last
// error otherwise.
func Retry(ctx context.Context, attempts int, b Backoff, fn func(ctx context.Context, attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(ctx, n); err == nil {
			return nil
		}
		if n == attempts {
			break
		}
		t := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("resilience: gave up after %d attempts: %w", attempts, err)
}
