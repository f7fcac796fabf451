package broker

import (
	"context"
	"sync"
	"time"
)

// RateLimiter bounds outbound venue calls to a fixed budget per sliding
// 60-second window. Acquire blocks until a slot frees up, the timeout
// elapses, or the context is canceled.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	stamps  []time.Time
	timeout time.Duration

	now func() time.Time
}

// NewRateLimiter builds a limiter allowing perMinute calls in any 60-second
// window. acquireTimeout caps how long Acquire will wait for a slot.
func NewRateLimiter(perMinute int, acquireTimeout time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		timeout: acquireTimeout,
		now:     time.Now,
	}
}

// Acquire reserves one call slot. It returns ErrRateLimited if no slot frees
// up within the limiter timeout, or the context error on cancellation.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	deadline := rl.now().Add(rl.timeout)
	for {
		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}
		if rl.now().Add(wait).After(deadline) {
			return ErrRateLimited
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire takes a slot if one is free, otherwise returns how long until
// the oldest stamp ages out of the window.
func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	kept := rl.stamps[:0]
	for _, s := range rl.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	rl.stamps = kept

	if len(rl.stamps) < rl.limit {
		rl.stamps = append(rl.stamps, now)
		return 0, true
	}
	return rl.stamps[0].Sub(cutoff) + time.Millisecond, false
}

// MarkLimited records a 429 from the venue: the window is treated as full so
// subsequent acquires back off instead of hammering the venue.
func (rl *RateLimiter) MarkLimited() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for len(rl.stamps) < rl.limit {
		rl.stamps = append(rl.stamps, now)
	}
}

// InFlight returns how many slots the current window holds.
func (rl *RateLimiter) InFlight() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	n := 0
	for _, s := range rl.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}
