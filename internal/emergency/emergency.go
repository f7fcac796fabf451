// Package emergency implements the flatten-everything protocol. One trigger
// cancels every open order and submits closing market orders for every
// position across all venues. Triggering is idempotent: concurrent callers
// get the same memoized result, and nothing runs twice until an operator
// reset.
package emergency

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/metrics"
	"equity-trading-engine/internal/notification"
	"equity-trading-engine/internal/orders"
)

// PositionOutcome reports the flatten attempt for one holding.
type PositionOutcome struct {
	Symbol string  `json:"symbol"`
	Qty    float64 `json:"qty"`
	Venue  string  `json:"venue"`
	Status string  `json:"status"` // close_ordered or error
	Error  string  `json:"error,omitempty"`
}

// VenueReport groups the outcome per venue.
type VenueReport struct {
	Venue       string            `json:"venue"`
	CancelError string            `json:"cancel_error,omitempty"`
	Positions   []PositionOutcome `json:"positions"`
}

// Result is the full record of one protocol run.
type Result struct {
	Status    string        `json:"status"` // completed or completed_with_errors
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
	Venues    []VenueReport `json:"venues"`
}

// Protocol owns the one-shot trigger state.
type Protocol struct {
	venues   map[string]broker.Venue
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	notifier *notification.Manager

	triggered atomic.Bool

	mu     sync.Mutex
	result *Result

	now func() time.Time
}

// NewProtocol builds the protocol over the named venue gateways.
func NewProtocol(venues map[string]broker.Venue, m *metrics.Metrics, notifier *notification.Manager, logger zerolog.Logger) *Protocol {
	return &Protocol{
		venues:   venues,
		logger:   logger.With().Str("component", "emergency").Logger(),
		metrics:  m,
		notifier: notifier,
		now:      time.Now,
	}
}

// Triggered reports whether the protocol has fired and not been reset. The
// orchestrator polls this every tick; it must stay lock-free.
func (p *Protocol) Triggered() bool {
	return p.triggered.Load()
}

// Trigger runs the protocol. The first caller executes; every concurrent or
// later caller blocks until the run finishes and receives the same result.
func (p *Protocol) Trigger(ctx context.Context, reason string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.triggered.CompareAndSwap(false, true) {
		if p.result != nil {
			return *p.result
		}
	}

	p.logger.Error().Str("reason", reason).Msg("emergency protocol triggered")
	if p.metrics != nil {
		p.metrics.EmergencyStatus.Set(1)
	}
	if p.notifier != nil {
		p.notifier.Notify(ctx, notification.SeverityEmergency, "emergency protocol triggered", reason)
	}

	res := p.execute(ctx, reason)
	p.result = &res

	p.logger.Info().Str("status", res.Status).Int("venues", len(res.Venues)).
		Msg("emergency protocol finished")
	if p.notifier != nil {
		p.notifier.Notify(ctx, notification.SeverityCritical, "emergency protocol finished", res.Status)
	}
	return res
}

func (p *Protocol) execute(ctx context.Context, reason string) Result {
	res := Result{Status: "completed", Reason: reason, Timestamp: p.now()}
	for name, venue := range p.venues {
		report := VenueReport{Venue: name}

		if err := venue.CancelAll(ctx); err != nil {
			report.CancelError = err.Error()
			res.Status = "completed_with_errors"
			p.logger.Error().Err(err).Str("venue", name).Msg("cancel sweep failed")
		}

		positions, err := venue.ListPositions(ctx)
		if err != nil {
			report.CancelError = appendErr(report.CancelError, fmt.Sprintf("list positions: %v", err))
			res.Status = "completed_with_errors"
			res.Venues = append(res.Venues, report)
			continue
		}

		for _, pos := range positions {
			outcome := PositionOutcome{Symbol: pos.Symbol, Qty: pos.Qty, Venue: name}
			side := broker.Sell
			if pos.Qty < 0 {
				side = broker.Buy
			}
			_, err := venue.PlaceMarket(ctx, broker.MarketOrderRequest{
				Symbol:        pos.Symbol,
				Qty:           math.Abs(pos.Qty),
				Side:          side,
				TIF:           broker.TIFDay,
				ClientOrderID: orders.ClientOrderID(),
			})
			if err != nil {
				outcome.Status = "error"
				outcome.Error = err.Error()
				res.Status = "completed_with_errors"
				p.logger.Error().Err(err).Str("venue", name).Str("symbol", pos.Symbol).
					Msg("emergency close failed")
			} else {
				outcome.Status = "close_ordered"
			}
			report.Positions = append(report.Positions, outcome)
		}
		res.Venues = append(res.Venues, report)
	}
	return res
}

func appendErr(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}

// Reset re-arms the protocol and clears the memoized result.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggered.Store(false)
	p.result = nil
	if p.metrics != nil {
		p.metrics.EmergencyStatus.Set(0)
	}
	p.logger.Warn().Msg("emergency protocol reset")
}

// LastResult returns the memoized result of the most recent run, if any.
func (p *Protocol) LastResult() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return Result{}, false
	}
	return *p.result, true
}

// Status summarizes trigger state for the control surface.
func (p *Protocol) Status() map[string]interface{} {
	st := map[string]interface{}{"triggered": p.Triggered()}
	if res, ok := p.LastResult(); ok {
		st["last_run"] = res
	}
	return st
}
