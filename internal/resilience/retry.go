// Package resilience provides the retry and backoff helpers behind the
// scheduler's task retries. The K8s client retries transient errors with
// its own fixed delay schedule and does not use this package.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Backoff computes the delay before the (attempt+1)-th try: base multiplied
// by factor once per prior attempt, capped at max. Retry calls it with
// factor 2 and a 30s cap.
func Backoff(attempt int, base time.Duration, factor float64, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if d > max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Jitter returns a random duration in [0, d], full-jitter style.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Retry runs fn up to attempts times, sleeping an exponentially growing,
// fully-jittered delay between tries, honoring ctx cancellation between
// attempts. If counter is set, it adds one per attempt, tagged with the
// attempt number; successes and failures are not counted separately.
func Retry[T any](ctx context.Context, attempts int, base time.Duration, counter metric.Int64Counter, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if counter != nil {
			counter.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt+1)))
		}
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		delay := Jitter(Backoff(attempt, base, 2, 30*time.Second))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, fmt.Errorf("retry exhausted after %d attempts: %w", attempts, lastErr)
}
