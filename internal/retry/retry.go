// Package retry runs collaborator calls with a bounded number of attempts and
// doubling backoff between them.
package retry

import (
	"context"
	"time"
)

// Do calls fn up to attempts times, sleeping delay before the second attempt
// and doubling it after every failure. The last error is returned; a cancelled
// ctx stops waiting and returns ctx.Err().
func Do(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}

// Bounded derives a context that expires after d. A non-positive d leaves ctx unbounded.
func Bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
