package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/regime"
)

// minHistory is the longest warm-up any dispatched strategy needs
// (MACD slow 26 + signal 9).
const minHistory = 35

// Engine selects the strategy for the current regime and evaluates symbols
// through it. The per-symbol active strategy is tracked for observability.
type Engine struct {
	logger zerolog.Logger

	table map[regime.Regime]Strategy

	mu     sync.RWMutex
	active map[string]string

	now func() time.Time
}

// NewEngine builds the engine with the standard regime dispatch table.
func NewEngine(logger zerolog.Logger) *Engine {
	rsi := NewRSIStrategy()
	macd := NewMACDStrategy()
	boll := NewBollingerStrategy()
	defensive := &DefensiveStrategy{}
	return &Engine{
		logger: logger.With().Str("component", "strategy").Logger(),
		table: map[regime.Regime]Strategy{
			regime.RangeBound:     rsi,
			regime.WeakBull:       macd,
			regime.StrongBull:     macd,
			regime.HighVolatility: boll,
			regime.WeakBear:       defensive,
			regime.StrongBear:     defensive,
		},
		active: make(map[string]string),
		now:    time.Now,
	}
}

// StrategyFor returns the strategy the table maps to r.
func (e *Engine) StrategyFor(r regime.Regime) Strategy {
	if s, ok := e.table[r]; ok {
		return s
	}
	return e.table[regime.RangeBound]
}

// Evaluate runs the regime-selected strategy over the input. Insufficient
// history always yields Hold, never an error.
func (e *Engine) Evaluate(in Input, r regime.Regime) Signal {
	strat := e.StrategyFor(r)

	var sig Signal
	if len(in.Closes) < minHistory {
		sig = Hold("insufficient history")
	} else {
		sig = strat.Evaluate(in)
	}
	sig.Strategy = strat.Name()
	sig.Symbol = in.Symbol
	sig.Price = in.Price
	sig.Timestamp = e.now()

	e.mu.Lock()
	e.active[in.Symbol] = strat.Name()
	e.mu.Unlock()

	if sig.Action != ActionHold {
		e.logger.Info().Str("symbol", in.Symbol).Str("action", string(sig.Action)).
			Str("strategy", sig.Strategy).Str("reason", sig.Reason).Msg("signal")
	}
	return sig
}

// ActiveStrategy reports which strategy last evaluated symbol.
func (e *Engine) ActiveStrategy(symbol string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[symbol]
}

// ActiveStrategies returns a copy of the per-symbol strategy map.
func (e *Engine) ActiveStrategies() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.active))
	for k, v := range e.active {
		out[k] = v
	}
	return out
}
