package crawler

import (
	"context"
	"fmt"
	"time"
)

// Pause blocks for delay or until ctx is done, whichever comes first.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
