package transport

import (
	"context"
	"fmt"
	"time"
)

// RetryBase is the backoff before the first retry; it doubles per attempt.
var RetryBase = 500 * time.Millisecond

// Retry runs op once plus up to retries more times, backing off
// exponentially between attempts. It stops early when permanent reports
// true for an error or ctx ends.
func Retry(ctx context.Context, retries int, op func(ctx context.Context) error, permanent func(error) bool) error {
	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * RetryBase
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("non-retriable error: %w", lastErr)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
