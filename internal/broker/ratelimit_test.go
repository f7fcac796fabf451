package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(5, time.Millisecond)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := rl.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := rl.Acquire(ctx); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited at limit, got %v", err)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(3, time.Millisecond)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := rl.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	// A minute later the window is clear again.
	now = now.Add(61 * time.Second)
	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("acquire after window slide: %v", err)
	}
	if got := rl.InFlight(); got != 1 {
		t.Fatalf("in flight = %d, want 1", got)
	}
}

func TestRateLimiterMarkLimited(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(10, time.Millisecond)
	rl.now = func() time.Time { return now }

	rl.MarkLimited()
	if err := rl.Acquire(context.Background()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected backoff after venue 429, got %v", err)
	}
}

func TestRateLimiterHonorsContext(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	ctx := context.Background()
	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := rl.Acquire(cancelCtx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
