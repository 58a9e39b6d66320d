// Package retry provides a bounded retry wrapper for transient failures at
// remote-call boundaries (message delivery, transcription requests).
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retryable decides whether an error is worth another attempt.
type Retryable func(error) bool

// Any treats every error as retryable.
func Any(error) bool { return true }

// Do runs op up to attempts times, sleeping according to the backoff
// schedule between attempts. When the schedule is shorter than the number
// of attempts the last entry is reused. A nil or always-false retryable
// predicate stops after the first failure; context cancellation stops
// immediately and returns the context error.
func Do(ctx context.Context, attempts int, backoff []time.Duration, retryable Retryable, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable == nil || !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := time.Duration(0)
		if len(backoff) > 0 {
			i := attempt - 1
			if i >= len(backoff) {
				i = len(backoff) - 1
			}
			delay = backoff[i]
		}
		slog.Debug("retry.Do attempt failed, backing off", "attempt", attempt, "delay", delay, "error", lastErr)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
