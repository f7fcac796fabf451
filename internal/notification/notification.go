// Package notification fans operator-facing alerts out to pluggable sinks.
// Chat and pager transports live outside this repo; they plug in through the
// Notifier interface. A zerolog sink ships built in so alerts are never
// silently lost.
package notification

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityDegraded  Severity = "degraded"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Notifier delivers one alert. Implementations must not block indefinitely;
// the context carries the deadline.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, title, message string) error
}

// Manager broadcasts to every registered notifier. Delivery is best effort:
// a failing sink is logged and skipped.
type Manager struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewManager builds a manager with the log sink pre-registered.
func NewManager(logger zerolog.Logger) *Manager {
	m := &Manager{logger: logger.With().Str("component", "notification").Logger()}
	m.Register(&LogNotifier{logger: m.logger})
	return m
}

// Register adds a sink.
func (m *Manager) Register(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Notify fans the alert out to every sink.
func (m *Manager) Notify(ctx context.Context, severity Severity, title, message string) {
	m.mu.RLock()
	sinks := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()
	for _, n := range sinks {
		if err := n.Notify(ctx, severity, title, message); err != nil {
			m.logger.Error().Err(err).Str("title", title).Msg("notifier failed")
		}
	}
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, severity Severity, title, message string) error {
	evt := l.logger.Info()
	switch severity {
	case SeverityCritical, SeverityEmergency:
		evt = l.logger.Error()
	case SeverityDegraded:
		evt = l.logger.Warn()
	}
	evt.Str("severity", string(severity)).Str("title", title).Msg(message)
	return nil
}
