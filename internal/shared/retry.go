package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryOnConflict runs op up to maxRetries times, backing off exponentially
// from baseDelay while op fails with a SQLite busy/locked error.
// Any other error is returned immediately.
func RetryOnConflict(ctx context.Context, maxRetries int, baseDelay time.Duration, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "attempt", i+1, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxRetries, err)
}
