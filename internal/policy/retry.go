package policy

import (
	"context"
	"time"
)

// retry runs fn up to attempts times, sleeping baseDelay, 2*baseDelay,
// 4*baseDelay... between tries. Context cancellation stops the loop between
// attempts. The last error is returned when every attempt fails.
func retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
