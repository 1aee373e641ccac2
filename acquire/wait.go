package acquire

import (
	"context"
	"time"
)

// waitUntil polls cond every interval until it returns true, timeout elapses, or ctx
// is cancelled. It returns whether cond became true and ctx.Err() on cancellation.
// cond is always evaluated at least once.
func waitUntil(ctx context.Context, timeout, interval time.Duration, cond func() bool) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if cond() {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
