package ratelimit

import (
	"context"
	"time"
)

// EnsureMinDuration blocks until at least target has passed since start,
// so that every response of a protected operation takes the same minimum
// time whether or not the account exists. It returns early if ctx ends.
func EnsureMinDuration(ctx context.Context, start time.Time, target time.Duration) {
	remaining := target - time.Since(start)
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Wait sleeps for d unless ctx ends first, returning ctx.Err() in that case.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
