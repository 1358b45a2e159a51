package loginguard

import (
	"context"
	"math"
	"time"
)

// ProgressiveDelay returns min(base * 2^failures, max). Zero or negative
// failures need no delay. A non-positive max leaves the curve uncapped.
func ProgressiveDelay(failures int64, base, max time.Duration) time.Duration {
	if failures <= 0 || base <= 0 {
		return 0
	}
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	if failures >= 62 || base > max>>uint(failures) {
		return max
	}
	return base << uint(failures)
}

// Wait sleeps for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
