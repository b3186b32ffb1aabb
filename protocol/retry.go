package protocol

import (
	"context"
	"math"
	"time"
)

// Backoff returns the wait before retry number attempt (1-based):
// base * factor^(attempt-1), perturbed by up to +/- jitter of itself.
// u must be uniform in [0, 1).
func Backoff(config *SecAggConfig, attempt int, u float64) time.Duration {
	d := float64(config.BackoffBase) * math.Pow(config.BackoffFactor, float64(attempt-1))
	d += d * config.BackoffJitter * (2*u - 1)
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
