package broker

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker trips when the failure rate over a sliding window of recent calls
// crosses a threshold. While open every call fails fast; after the open
// interval a limited number of probes decide whether to close again.
type Breaker struct {
	mu sync.Mutex

	window    int
	threshold float64
	openFor   time.Duration
	probes    int

	state     BreakerState
	results   []bool // true = failure
	openedAt  time.Time
	probeOK   int
	lastError string

	// OnTrip and OnReset fire outside the lock on state changes.
	OnTrip  func(failureRate float64)
	OnReset func()

	now func() time.Time
}

// NewBreaker builds a breaker over a window of recent calls. threshold is the
// failure fraction that trips it, openFor is how long it stays open, probes
// is how many consecutive half-open successes close it.
func NewBreaker(window int, threshold float64, openFor time.Duration, probes int) *Breaker {
	return &Breaker{
		window:    window,
		threshold: threshold,
		openFor:   openFor,
		probes:    probes,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker lets the first
// caller after the open interval through as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.openFor {
			b.state = BreakerHalfOpen
			b.probeOK = 0
			return true
		}
		return false
	}
	return false
}

// Record feeds a call outcome into the window and advances the state machine.
func (b *Breaker) Record(err error) {
	var trip func(float64)
	var reset func()

	b.mu.Lock()
	failed := err != nil
	if failed {
		b.lastError = err.Error()
	}

	switch b.state {
	case BreakerClosed:
		b.results = append(b.results, failed)
		if len(b.results) > b.window {
			b.results = b.results[len(b.results)-b.window:]
		}
		if rate := b.failureRate(); len(b.results) >= b.window && rate >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			trip = b.OnTrip
			b.mu.Unlock()
			if trip != nil {
				trip(rate)
			}
			return
		}
	case BreakerHalfOpen:
		if failed {
			b.state = BreakerOpen
			b.openedAt = b.now()
			b.probeOK = 0
			trip = b.OnTrip
			rate := b.failureRate()
			b.mu.Unlock()
			if trip != nil {
				trip(rate)
			}
			return
		}
		b.probeOK++
		if b.probeOK >= b.probes {
			b.state = BreakerClosed
			b.results = nil
			reset = b.OnReset
			b.mu.Unlock()
			if reset != nil {
				reset()
			}
			return
		}
	case BreakerOpen:
		// A straggler finishing after the trip. Ignore.
	}
	b.mu.Unlock()
}

func (b *Breaker) failureRate() float64 {
	if len(b.results) == 0 {
		return 0
	}
	fails := 0
	for _, f := range b.results {
		if f {
			fails++
		}
	}
	return float64(fails) / float64(len(b.results))
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for the control surface.
func (b *Breaker) Status() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":        b.state.String(),
		"failure_rate": b.failureRate(),
		"window_size":  len(b.results),
		"last_error":   b.lastError,
	}
}
