// Package orders validates outbound orders and rejects duplicates within a
// per-(symbol,side) cooldown window. It is the last gate before the
// brokerage gateway.
package orders

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
)

// ErrDuplicate rejects an order inside the cooldown window for its
// (symbol, side) pair.
var ErrDuplicate = errors.New("orders: duplicate within cooldown")

// RejectError is a validation failure. Typed, never a panic.
type RejectError struct {
	Field  string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("orders: rejected %s: %s", e.Field, e.Reason)
}

type dedupKey struct {
	symbol string
	side   broker.Side
}

// Validator holds the de-dup window state.
type Validator struct {
	cooldown time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	recent map[dedupKey]time.Time

	now func() time.Time
}

// NewValidator builds a validator with the given duplicate cooldown.
func NewValidator(cooldown time.Duration, logger zerolog.Logger) *Validator {
	return &Validator{
		cooldown: cooldown,
		logger:   logger.With().Str("component", "orders").Logger(),
		recent:   make(map[dedupKey]time.Time),
		now:      time.Now,
	}
}

// ClientOrderID mints the idempotency key attached to every submission.
func ClientOrderID() string {
	return "eng-" + uuid.NewString()
}

// Reserve claims the (symbol, side) slot for one order. A second claim
// within the cooldown returns ErrDuplicate; an accepted claim starts a new
// window.
func (v *Validator) Reserve(symbol string, side broker.Side) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	key := dedupKey{symbol: symbol, side: side}
	if last, ok := v.recent[key]; ok && now.Sub(last) < v.cooldown {
		v.logger.Debug().Str("symbol", symbol).Str("side", string(side)).
			Msg("duplicate order rejected")
		return ErrDuplicate
	}
	v.recent[key] = now

	// Sweep entries old enough to be irrelevant.
	for k, t := range v.recent {
		if now.Sub(t) >= v.cooldown {
			delete(v.recent, k)
		}
	}
	return nil
}

// ValidateMarket checks a market order request.
func (v *Validator) ValidateMarket(req broker.MarketOrderRequest) error {
	if req.Symbol == "" {
		return &RejectError{Field: "symbol", Reason: "empty"}
	}
	if req.Qty <= 0 {
		return &RejectError{Field: "qty", Reason: "must be positive"}
	}
	return nil
}

// ValidateLimit checks a limit order request.
func (v *Validator) ValidateLimit(req broker.LimitOrderRequest) error {
	if req.Symbol == "" {
		return &RejectError{Field: "symbol", Reason: "empty"}
	}
	if req.Qty <= 0 {
		return &RejectError{Field: "qty", Reason: "must be positive"}
	}
	if req.Limit <= 0 {
		return &RejectError{Field: "limit", Reason: "must be positive"}
	}
	return nil
}

// ValidateBracket checks a bracket order request: positive quantities and
// prices, stop below entry below target for longs (mirrored for shorts),
// and stop-limit consistency.
func (v *Validator) ValidateBracket(req broker.BracketOrderRequest) error {
	if req.Symbol == "" {
		return &RejectError{Field: "symbol", Reason: "empty"}
	}
	if req.Qty <= 0 {
		return &RejectError{Field: "qty", Reason: "must be positive"}
	}
	if req.TakeProfit <= 0 || req.StopLoss <= 0 {
		return &RejectError{Field: "bracket", Reason: "protective prices must be positive"}
	}
	switch req.Side {
	case broker.Buy:
		if req.StopLoss >= req.TakeProfit {
			return &RejectError{Field: "bracket", Reason: "stop must be below target for longs"}
		}
		if req.StopLimit > 0 && req.StopLimit > req.StopLoss {
			return &RejectError{Field: "stop_limit", Reason: "must not exceed stop for longs"}
		}
	case broker.Sell:
		if req.StopLoss <= req.TakeProfit {
			return &RejectError{Field: "bracket", Reason: "stop must be above target for shorts"}
		}
	default:
		return &RejectError{Field: "side", Reason: "unknown"}
	}
	return nil
}
