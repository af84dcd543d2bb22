package engine

import (
	"context"
	"time"
)

// SleepFunc blocks for d or until the context is done. Injected so tests can
// run the flows against a fake clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
