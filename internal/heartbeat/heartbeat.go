// Package heartbeat watches the liveness of every long-running loop. A
// component that stops beating past its timeout flips the system unhealthy
// and fires the emergency trigger exactly once.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TriggerFunc is the narrow outbound edge to the emergency protocol. The
// monitor only knows how to pull it; wiring happens in main.
type TriggerFunc func(reason string)

type entry struct {
	timeout  time.Duration
	lastBeat time.Time
}

// Monitor tracks per-component beats.
type Monitor struct {
	logger  zerolog.Logger
	trigger TriggerFunc
	fired   atomic.Bool

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// NewMonitor builds a monitor that calls trigger on the first unhealthy
// transition.
func NewMonitor(trigger TriggerFunc, logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger:  logger.With().Str("component", "heartbeat").Logger(),
		trigger: trigger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register adds a component with its timeout. Registration counts as the
// first beat.
func (m *Monitor) Register(component string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[component] = &entry{timeout: timeout, lastBeat: m.now()}
}

// Beat refreshes a component's liveness. Unknown components are ignored.
func (m *Monitor) Beat(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[component]; ok {
		e.lastBeat = m.now()
	}
}

// Check scans all entries and returns the stale ones. The first transition
// to unhealthy fires the emergency trigger; the compare-and-swap guarantees
// exactly one invocation no matter how many checkers race.
func (m *Monitor) Check() []string {
	now := m.now()
	var stale []string
	m.mu.RLock()
	for name, e := range m.entries {
		if now.Sub(e.lastBeat) > e.timeout {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()

	if len(stale) > 0 && m.fired.CompareAndSwap(false, true) {
		m.logger.Error().Strs("stale", stale).Msg("heartbeat timeout, firing emergency trigger")
		if m.trigger != nil {
			m.trigger("heartbeat timeout: " + stale[0])
		}
	}
	return stale
}

// Healthy reports whether every component is within its timeout.
func (m *Monitor) Healthy() bool {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if now.Sub(e.lastBeat) > e.timeout {
			return false
		}
	}
	return true
}

// Rearm clears the one-shot trigger guard after an operator reset.
func (m *Monitor) Rearm() {
	m.fired.Store(false)
}

// Run checks on the given interval until the context ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Status reports seconds since each component's last beat.
func (m *Monitor) Status() map[string]interface{} {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	components := make(map[string]interface{}, len(m.entries))
	healthy := true
	for name, e := range m.entries {
		age := now.Sub(e.lastBeat)
		ok := age <= e.timeout
		if !ok {
			healthy = false
		}
		components[name] = map[string]interface{}{
			"seconds_since_beat": age.Seconds(),
			"timeout_seconds":    e.timeout.Seconds(),
			"healthy":            ok,
		}
	}
	return map[string]interface{}{
		"healthy":    healthy,
		"components": components,
	}
}
