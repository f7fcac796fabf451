package broker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := NewBreaker(10, 0.5, time.Minute, 3)

	// 5 successes then 4 failures: window not full of enough failures yet.
	for i := 0; i < 5; i++ {
		b.Record(nil)
	}
	for i := 0; i < 4; i++ {
		b.Record(errors.New("boom"))
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed at 4/9 failures, got %v", b.State())
	}

	// Fifth failure makes 5/10.
	b.Record(errors.New("boom"))
	if b.State() != BreakerOpen {
		t.Fatalf("expected open at 5/10 failures, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must not allow calls")
	}
}

func TestBreakerDoesNotTripBeforeWindowFull(t *testing.T) {
	b := NewBreaker(10, 0.5, time.Minute, 3)
	// 100% failure rate but only 9 samples.
	for i := 0; i < 9; i++ {
		b.Record(errors.New("boom"))
	}
	if b.State() != BreakerClosed {
		t.Fatalf("breaker tripped before window filled: %v", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker(4, 0.5, 30*time.Second, 3)
	b.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		b.Record(errors.New("boom"))
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	// Before the open interval, still rejecting.
	if b.Allow() {
		t.Fatal("expected rejection before open interval elapsed")
	}

	// After the interval the first Allow transitions to half-open.
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe to be allowed after open interval")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	// Two successes are not enough to close.
	b.Record(nil)
	b.Record(nil)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("closed after 2 probes, want 3: %v", b.State())
	}
	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after 3 probe successes, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(4, 0.5, 30*time.Second, 3)
	b.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		b.Record(errors.New("boom"))
	}
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}
	b.Record(nil)
	b.Record(errors.New("boom"))
	if b.State() != BreakerOpen {
		t.Fatalf("expected reopen on half-open failure, got %v", b.State())
	}
	// Probe streak must reset: after another interval, 3 fresh successes needed.
	now = now.Add(31 * time.Second)
	b.Allow()
	b.Record(nil)
	b.Record(nil)
	if b.State() == BreakerClosed {
		t.Fatal("probe streak carried over across reopen")
	}
}

func TestBreakerCallbacks(t *testing.T) {
	b := NewBreaker(2, 0.5, time.Minute, 1)
	trips, resets := 0, 0
	b.OnTrip = func(rate float64) {
		trips++
		if rate < 0.5 {
			t.Errorf("trip rate %f below threshold", rate)
		}
	}
	b.OnReset = func() { resets++ }

	now := time.Now()
	b.now = func() time.Time { return now }

	b.Record(errors.New("boom"))
	b.Record(errors.New("boom"))
	if trips != 1 {
		t.Fatalf("expected 1 trip callback, got %d", trips)
	}
	now = now.Add(2 * time.Minute)
	b.Allow()
	b.Record(nil)
	if resets != 1 {
		t.Fatalf("expected 1 reset callback, got %d", resets)
	}
}
