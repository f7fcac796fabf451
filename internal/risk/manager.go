// Package risk owns position state, sizing, and the entry veto chain. All
// position mutation funnels through the Manager; callers only ever see
// copies.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/broker"
)

// Veto errors, ordered by the rule that raises them.
var (
	ErrDrawdownHalt  = errors.New("risk: drawdown halt active")
	ErrPDTLimit      = errors.New("risk: pattern day trader limit")
	ErrMarketClosed  = errors.New("risk: market closed")
	ErrNotInList     = errors.New("risk: symbol not in watchlist")
	ErrMaxPositions  = errors.New("risk: max positions reached")
	ErrPositionLimit = errors.New("risk: position value limit")
	ErrReserve       = errors.New("risk: cash reserve floor")
	ErrZeroSize      = errors.New("risk: computed size is zero")
)

const pdtEquityFloor = 25000

// trailingLevel lifts the stop to a fraction below price once profit crosses
// the threshold, and hints a partial exit the first time each level fires.
type trailingLevel struct {
	threshold float64
	trail     float64
}

var trailingLevels = []trailingLevel{
	{threshold: 0.01, trail: 0.010},
	{threshold: 0.02, trail: 0.015},
}

// Dynamic stop tightening thresholds: breakeven, then entry+0.5%, entry+1%.
var tightenLevels = []struct {
	profit float64
	stopAt float64 // multiple of entry
}{
	{profit: 0.01, stopAt: 1.0},
	{profit: 0.02, stopAt: 1.005},
	{profit: 0.03, stopAt: 1.01},
}

// Manager is the risk and position bookkeeper.
type Manager struct {
	cfg    config.RiskConfig
	logger zerolog.Logger
	nyLoc  *time.Location

	mu         sync.RWMutex
	positions  map[string]*Position
	peakEquity float64
	halted     bool

	now func() time.Time
}

// NewManager builds the manager. The New York location is used for the PDT
// same-day test.
func NewManager(cfg config.RiskConfig, logger zerolog.Logger) *Manager {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "risk").Logger(),
		nyLoc:     loc,
		positions: make(map[string]*Position),
		now:       time.Now,
	}
}

// ObserveEquity feeds the account equity into the drawdown tracker. The halt
// arms when equity falls below peak*(1-maxDrawdown) and clears only once the
// prior peak is re-reached.
func (m *Manager) ObserveEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if equity >= m.peakEquity {
		m.peakEquity = equity
		if m.halted {
			m.halted = false
			m.logger.Info().Float64("equity", equity).Msg("drawdown halt cleared, peak re-reached")
		}
		return
	}
	if !m.halted && equity <= m.peakEquity*(1-m.cfg.MaxDrawdown) {
		m.halted = true
		m.logger.Error().Float64("equity", equity).Float64("peak", m.peakEquity).
			Msg("drawdown halt armed, refusing new entries")
	}
}

// Halted reports whether the drawdown halt is active.
func (m *Manager) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

// Size computes the entry quantity for price given the account snapshot:
// risk budget over stop distance, clamped by position-value, reserve and
// position-count limits. Returns a typed veto error when no size survives.
func (m *Manager) Size(acct broker.Account, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: bad price", ErrZeroSize)
	}

	m.mu.RLock()
	open := len(m.positions)
	m.mu.RUnlock()
	if open+1 > m.cfg.MaxPositions {
		return 0, ErrMaxPositions
	}

	qty := (acct.Equity * m.cfg.RiskPerTrade) / (price * m.cfg.StopLossPct)
	step := 0.001
	if m.cfg.WholeShares {
		step = 1
	}
	qty = floorStep(qty, step)

	// Position value cap.
	maxValue := acct.Equity * m.cfg.MaxPositionPct
	if qty*price > maxValue {
		qty = floorStep(maxValue/price, step)
	}
	if qty <= 0 {
		return 0, ErrZeroSize
	}

	// Cash reserve floor.
	if acct.Cash-qty*price < acct.Equity*m.cfg.ReservePct {
		affordable := acct.Cash - acct.Equity*m.cfg.ReservePct
		qty = floorStep(affordable/price, step)
		if qty <= 0 {
			return 0, ErrReserve
		}
	}
	return qty, nil
}

// floorStep rounds qty down to a multiple of step, tolerating float noise so
// an exact multiple is never truncated a step short.
func floorStep(qty, step float64) float64 {
	return math.Floor(qty/step+1e-9) * step
}

// CheckEntry applies the ordered entry vetoes that belong to the risk layer:
// drawdown halt, market hours, watchlist membership. The duplicate cooldown
// lives in the order validator.
func (m *Manager) CheckEntry(symbol string, marketOpen, inWatchlist bool) error {
	if m.Halted() {
		return ErrDrawdownHalt
	}
	if !marketOpen {
		return ErrMarketClosed
	}
	if !inWatchlist {
		return ErrNotInList
	}
	return nil
}

// CheckSell applies the PDT guard: a sub-$25k account that already has three
// day trades may not close a position opened the same day.
func (m *Manager) CheckSell(acct broker.Account, symbol string) error {
	if !m.cfg.PDTEnabled || acct.Equity >= pdtEquityFloor {
		return nil
	}
	m.mu.RLock()
	pos, ok := m.positions[symbol]
	sameDay := ok && pos.OpenedToday(m.now(), m.nyLoc)
	m.mu.RUnlock()
	if sameDay && acct.DayTradeCount >= 3 {
		return ErrPDTLimit
	}
	return nil
}

// Open records a new position after a confirmed entry fill.
func (m *Manager) Open(symbol string, qty, entryPrice float64, strategy string, clientSideMonitoring bool) Position {
	pos := &Position{
		Symbol:                    symbol,
		Qty:                       qty,
		EntryPrice:                entryPrice,
		EntryTime:                 m.now(),
		StopLoss:                  entryPrice * (1 - m.cfg.StopLossPct),
		TakeProfit:                entryPrice * (1 + m.cfg.TakeProfitPct),
		HighWaterMark:             entryPrice,
		Strategy:                  strategy,
		NeedsClientSideMonitoring: clientSideMonitoring,
	}
	m.mu.Lock()
	m.positions[symbol] = pos
	m.mu.Unlock()
	m.logger.Info().Str("symbol", symbol).Float64("qty", qty).Float64("entry", entryPrice).
		Float64("stop", pos.StopLoss).Float64("target", pos.TakeProfit).
		Bool("client_side_monitoring", clientSideMonitoring).Msg("position opened")
	return *pos
}

// Adopt reconciles a venue-reported position the manager has no record of,
// typically after a restart.
func (m *Manager) Adopt(p broker.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.Symbol]; ok {
		return
	}
	m.positions[p.Symbol] = &Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		EntryPrice:    p.AvgEntryPrice,
		EntryTime:     m.now(),
		StopLoss:      p.AvgEntryPrice * (1 - m.cfg.StopLossPct),
		TakeProfit:    p.AvgEntryPrice * (1 + m.cfg.TakeProfitPct),
		HighWaterMark: p.AvgEntryPrice,
		// Adopted positions have no venue legs we know of.
		NeedsClientSideMonitoring: true,
	}
	m.logger.Warn().Str("symbol", p.Symbol).Float64("qty", p.Qty).Msg("adopted venue position")
}

// UpdateOnTick advances the protective state of one position: high-water
// mark, dynamic stop tightening and trailing levels. The stop only ever
// rises. Returned hints name trailing levels that fired for the first time.
func (m *Manager) UpdateOnTick(symbol string, price float64) (Position, []string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return Position{}, nil, false
	}

	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}

	profit := pos.ProfitPct(price)
	raiseStop := func(candidate float64) {
		if candidate > pos.StopLoss {
			pos.StopLoss = candidate
		}
	}

	for _, lvl := range tightenLevels {
		if profit >= lvl.profit {
			raiseStop(pos.EntryPrice * lvl.stopAt)
		}
	}

	var hints []string
	hwmProfit := (pos.HighWaterMark - pos.EntryPrice) / pos.EntryPrice
	for i, lvl := range trailingLevels {
		if hwmProfit < lvl.threshold {
			continue
		}
		raiseStop(price * (1 - lvl.trail))
		if !pos.TrailingHinted[i] {
			pos.TrailingHinted[i] = true
			hints = append(hints, fmt.Sprintf("trailing level %d reached at %.1f%% profit", i+1, lvl.threshold*100))
		}
	}

	// Velocity: profit-per-hour since entry, peak retained.
	if held := m.now().Sub(pos.EntryTime).Hours(); held > 0 {
		if v := profit / held; v > pos.PeakProfitVelocity {
			pos.PeakProfitVelocity = v
		}
	}

	return *pos, hints, true
}

// MarkPartialLevel sets one partial-exit milestone. Monotonic: levels are
// never cleared while the position is open.
func (m *Manager) MarkPartialLevel(symbol string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok || level < 0 || level >= len(pos.PartialExitLevels) {
		return
	}
	pos.PartialExitLevels[level] = true
}

// Reduce shrinks a position after a partial close fill. Reaching zero
// removes it.
func (m *Manager) Reduce(symbol string, soldQty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return
	}
	pos.Qty -= soldQty
	if pos.Qty <= 1e-9 {
		delete(m.positions, symbol)
		m.logger.Info().Str("symbol", symbol).Msg("position closed")
	}
}

// Close removes a position after a full close fill.
func (m *Manager) Close(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// Get returns a copy of one position.
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// All returns copies of every open position.
func (m *Manager) All() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Count returns the open position count.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// PeakEquity returns the tracked equity peak.
func (m *Manager) PeakEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peakEquity
}
