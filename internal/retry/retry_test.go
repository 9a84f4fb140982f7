package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), 3, 10*time.Millisecond, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	last := errors.New("third")
	err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("earlier")
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 5, time.Second, func(context.Context) error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
