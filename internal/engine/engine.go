// Package engine runs the trading loop for one venue: refresh account state,
// evaluate exits for open positions, then look for entries across the
// watchlist. Every order leaves through the validator and the resilient
// gateway; the loop itself never talks HTTP.
package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/emergency"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/exits"
	"equity-trading-engine/internal/heartbeat"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/metrics"
	"equity-trading-engine/internal/orders"
	"equity-trading-engine/internal/regime"
	"equity-trading-engine/internal/risk"
	"equity-trading-engine/internal/strategy"
	"equity-trading-engine/internal/watchlist"
)

const pdtEquityFloor = 25000

// Deps bundles everything one venue loop needs. All fields are required
// except Heartbeat, Emergency and Metrics, which may be nil in tests.
type Deps struct {
	Venue      broker.Venue
	Data       *marketdata.Cache
	Analyzer   *regime.Analyzer
	Strategies *strategy.Engine
	Watchlist  *watchlist.Manager
	Risk       *risk.Manager
	Exits      *exits.Engine
	Orders     *orders.Validator
	Bus        *events.Bus
	Heartbeat  *heartbeat.Monitor
	Emergency  *emergency.Protocol
	Metrics    *metrics.Metrics
}

// Engine is the per-venue trading loop.
type Engine struct {
	cfg       *config.Config
	d         Deps
	venueName string
	hbName    string
	logger    zerolog.Logger

	paused atomic.Bool

	mu           sync.Mutex
	lastRotation time.Time
	lastTick     time.Time
	lastAcct     broker.Account
	haveAcct     bool

	inFlight sync.WaitGroup

	now func() time.Time
}

// New builds the loop for the named venue.
func New(cfg *config.Config, venueName string, d Deps, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		d:         d,
		venueName: venueName,
		hbName:    venueName + "_loop",
		logger:    logger.With().Str("component", "engine").Str("venue", venueName).Logger(),
		now:       time.Now,
	}
}

// Pause stops new entries and rotation. Exits, account refresh and state
// snapshots continue.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.logger.Warn().Msg("loop paused")
	e.d.Bus.PublishOperational("paused", map[string]interface{}{"venue": e.venueName})
}

// Resume re-enables the loop after a pause.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.logger.Info().Msg("loop resumed")
	e.d.Bus.PublishOperational("resumed", map[string]interface{}{"venue": e.venueName})
}

// Paused reports the pause flag.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Run drives the loop until the context ends, then waits for in-flight
// submissions before returning.
func (e *Engine) Run(ctx context.Context) {
	if e.d.Heartbeat != nil {
		e.d.Heartbeat.Register(e.hbName, e.heartbeatTimeout())
	}
	e.bootstrap(ctx)

	ticker := time.NewTicker(e.cfg.Trading.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("loop stopping, draining in-flight orders")
			e.inFlight.Wait()
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *Engine) heartbeatTimeout() time.Duration {
	if t, ok := e.cfg.Heartbeat.Timeouts[e.hbName]; ok {
		return t
	}
	return 30 * e.cfg.Trading.TickInterval
}

// bootstrap reconciles restart state: stray open orders are cancelled and
// venue positions without a local record are adopted under client-side
// protection.
func (e *Engine) bootstrap(ctx context.Context) {
	if err := e.d.Venue.CancelAll(ctx); err != nil {
		e.logger.Error().Err(err).Msg("startup order rollback failed")
	}
	positions, err := e.d.Venue.ListPositions(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("startup position reconcile failed")
		return
	}
	for _, p := range positions {
		e.d.Risk.Adopt(p)
	}
	if len(positions) > 0 {
		e.logger.Info().Int("count", len(positions)).Msg("reconciled venue positions")
	}
}

// Tick runs one loop iteration. Exported so the control surface can force an
// immediate pass.
func (e *Engine) Tick(ctx context.Context) {
	outcome := "ok"
	defer func() {
		if e.d.Metrics != nil {
			e.d.Metrics.TicksTotal.WithLabelValues(e.venueName, outcome).Inc()
		}
	}()

	if e.d.Emergency != nil && e.d.Emergency.Triggered() {
		// Halted ticks still publish the state snapshot so the control
		// surface keeps seeing what the flatten left behind.
		outcome = "emergency"
		e.beat()
		if acct, ok := e.lastAccount(); ok {
			e.publishSnapshots(acct, 0, 0, 0)
		}
		return
	}

	acct, err := e.d.Venue.GetAccount(ctx)
	if err != nil {
		// No beat on a dead broker: enough of these in a row and the
		// heartbeat monitor escalates.
		outcome = "error"
		e.logger.Error().Err(err).Msg("account refresh failed, skipping tick")
		return
	}
	e.beat()
	e.observeAccount(acct)

	clock, stale, err := e.d.Data.Clock(ctx)
	if err != nil {
		outcome = "error"
		e.logger.Error().Err(err).Msg("clock unavailable")
		return
	}
	if stale {
		e.logger.Warn().Msg("operating on fallback market clock")
	}

	if !clock.IsOpen {
		outcome = "closed"
		e.publishSnapshots(acct, 0, 0, 0)
		return
	}

	if e.paused.Load() {
		// Pause gates entries and rotation only. Exits keep running: a
		// client-monitored position has no venue-side protective legs, so
		// abandoning the exit pass would leave it unguarded.
		outcome = "paused"
		e.publishSnapshots(acct, 0, 0, e.runExits(ctx, acct))
		return
	}

	classification := e.d.Analyzer.CurrentRegime(ctx)
	e.d.Bus.PublishMarketAnalysis(string(classification.Regime), classification.Confidence,
		classification.VIX, classification.Breadth)

	e.maybeRotate(ctx)

	exitsDone := e.runExits(ctx, acct)
	scanned, signals := e.runEntries(ctx, acct, classification)

	e.publishSnapshots(acct, scanned, signals, exitsDone)
}

func (e *Engine) beat() {
	if e.d.Heartbeat != nil {
		e.d.Heartbeat.Beat(e.hbName)
	}
	e.mu.Lock()
	e.lastTick = e.now()
	e.mu.Unlock()
}

func (e *Engine) lastAccount() (broker.Account, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAcct, e.haveAcct
}

func (e *Engine) observeAccount(acct broker.Account) {
	e.mu.Lock()
	e.lastAcct = acct
	e.haveAcct = true
	e.mu.Unlock()
	e.d.Risk.ObserveEquity(acct.Equity)
	if e.d.Metrics != nil {
		e.d.Metrics.AccountEquity.Set(acct.Equity)
		e.d.Metrics.OpenPositions.Set(float64(e.d.Risk.Count()))
	}
	e.d.Bus.PublishPortfolio(acct.Equity, acct.Cash, acct.BuyingPower, e.d.Risk.PeakEquity())
}

func (e *Engine) maybeRotate(ctx context.Context) {
	e.mu.Lock()
	due := e.now().Sub(e.lastRotation) >= e.cfg.Trading.RotationInterval
	if due {
		e.lastRotation = e.now()
	}
	e.mu.Unlock()
	if !due {
		return
	}
	if e.d.Heartbeat != nil {
		e.d.Heartbeat.Beat("watchlist")
	}
	if err := e.d.Watchlist.Rotate(ctx); err != nil {
		e.logger.Error().Err(err).Msg("watchlist rotation failed")
	}
}

// runExits evaluates every open position, bounded fan-out, before any entry
// is considered. Returns the number of exit orders placed.
func (e *Engine) runExits(ctx context.Context, acct broker.Account) int {
	positions := e.d.Risk.All()
	if len(positions) == 0 {
		return 0
	}

	var placed atomic.Int32
	sem := make(chan struct{}, e.fanOut())
	var wg sync.WaitGroup
	for _, pos := range positions {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(pos risk.Position) {
			defer wg.Done()
			defer func() { <-sem }()
			if e.processExit(ctx, pos, acct) {
				placed.Add(1)
			}
		}(pos)
	}
	wg.Wait()
	return int(placed.Load())
}

func (e *Engine) processExit(ctx context.Context, pos risk.Position, acct broker.Account) bool {
	bar, _, err := e.d.Data.LatestBar(ctx, pos.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("no price for exit evaluation")
		return false
	}
	price := bar.Close

	updated, hints, ok := e.d.Risk.UpdateOnTick(pos.Symbol, price)
	if !ok {
		return false
	}
	e.d.Bus.PublishProfitTargets(pos.Symbol, updated.StopLoss, updated.TakeProfit, updated.HighWaterMark)
	for _, hint := range hints {
		e.d.Bus.PublishActivity("risk", pos.Symbol+": "+hint)
	}

	var closes []float64
	if bars, _, err := e.d.Data.HistoryBars(ctx, pos.Symbol, 10, broker.TF15Min); err == nil {
		closes = make([]float64, len(bars))
		for i, b := range bars {
			closes[i] = b.Close
		}
	}

	dec := e.d.Exits.Evaluate(exits.Input{
		Position:       updated,
		Price:          price,
		Now:            e.now(),
		PortfolioCount: e.d.Risk.Count(),
		AtPDTLimit:     acct.Equity < pdtEquityFloor && acct.DayTradeCount >= 3,
		RecentCloses:   closes,
	})
	if dec.Type == exits.None {
		return false
	}

	if dec.Fraction >= 1 {
		if err := e.d.Risk.CheckSell(acct, pos.Symbol); err != nil {
			e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Str("rule", string(dec.Type)).
				Msg("full exit vetoed")
			return false
		}
	}

	qty := updated.Qty * dec.Fraction
	if e.cfg.Risk.WholeShares {
		qty = math.Floor(qty)
	}
	if qty <= 0 {
		return false
	}

	if err := e.d.Orders.Reserve(pos.Symbol, broker.Sell); err != nil {
		e.reject("duplicate")
		return false
	}
	req := broker.MarketOrderRequest{
		Symbol:        pos.Symbol,
		Qty:           qty,
		Side:          broker.Sell,
		TIF:           broker.TIFDay,
		ClientOrderID: orders.ClientOrderID(),
	}
	if err := e.d.Orders.ValidateMarket(req); err != nil {
		e.reject("validation")
		return false
	}

	order, err := e.submitMarket(ctx, req)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", pos.Symbol).Str("rule", string(dec.Type)).
			Msg("exit order failed")
		return false
	}

	if dec.PartialLevel >= 0 {
		e.d.Risk.MarkPartialLevel(pos.Symbol, dec.PartialLevel)
	}
	if dec.Fraction >= 1 {
		e.d.Risk.Close(pos.Symbol)
	} else {
		e.d.Risk.Reduce(pos.Symbol, qty)
	}
	e.d.Data.Invalidate(pos.Symbol)

	if e.d.Metrics != nil {
		e.d.Metrics.ExitsTotal.WithLabelValues(string(dec.Type)).Inc()
	}
	e.logger.Info().Str("symbol", pos.Symbol).Str("rule", string(dec.Type)).
		Float64("qty", qty).Float64("price", price).Str("reason", dec.Reason).Msg("exit placed")
	e.d.Bus.PublishOrderUpdate(pos.Symbol, string(broker.Sell), order.Status, order.ID, qty, price)
	return true
}

// runEntries scans active watchlist symbols without a position. Returns
// symbols scanned and entry orders placed.
func (e *Engine) runEntries(ctx context.Context, acct broker.Account, classification regime.Classification) (int, int) {
	var candidates []string
	for _, sym := range e.d.Watchlist.Active() {
		if _, held := e.d.Risk.Get(sym); !held {
			candidates = append(candidates, sym)
		}
	}
	if len(candidates) == 0 {
		return 0, 0
	}

	var placed atomic.Int32
	sem := make(chan struct{}, e.fanOut())
	var wg sync.WaitGroup
	for _, sym := range candidates {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			defer func() { <-sem }()
			if e.processEntry(ctx, sym, acct, classification) {
				placed.Add(1)
			}
		}(sym)
	}
	wg.Wait()
	return len(candidates), int(placed.Load())
}

func (e *Engine) processEntry(ctx context.Context, symbol string, acct broker.Account, classification regime.Classification) bool {
	bars, _, err := e.d.Data.HistoryBars(ctx, symbol, 60, broker.TF15Min)
	if err != nil || len(bars) == 0 {
		return false
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	price := closes[len(closes)-1]

	sig := e.d.Strategies.Evaluate(strategy.Input{
		Symbol: symbol,
		Price:  price,
		Closes: closes,
	}, classification.Regime)
	if e.d.Metrics != nil {
		e.d.Metrics.SignalsTotal.WithLabelValues(string(sig.Action)).Inc()
	}
	if sig.Action != strategy.ActionBuy {
		return false
	}

	// A single-timeframe signal is not enough; the higher timeframes have to
	// agree before capital moves.
	mtf := e.d.Analyzer.Analyze(ctx, symbol)
	if mtf.Final != regime.DirBuy {
		e.d.Bus.PublishActivity("engine", symbol+": entry skipped, "+mtf.Reason)
		return false
	}

	if err := e.d.Risk.CheckEntry(symbol, true, e.d.Watchlist.Contains(symbol)); err != nil {
		e.reject(vetoReason(err))
		return false
	}
	qty, err := e.d.Risk.Size(acct, price)
	if err != nil {
		e.reject(vetoReason(err))
		return false
	}

	if err := e.d.Orders.Reserve(symbol, broker.Buy); err != nil {
		e.reject("duplicate")
		return false
	}
	req := broker.BracketOrderRequest{
		Symbol:        symbol,
		Qty:           qty,
		Side:          broker.Buy,
		TakeProfit:    price * (1 + e.cfg.Risk.TakeProfitPct),
		StopLoss:      price * (1 - e.cfg.Risk.StopLossPct),
		ClientOrderID: orders.ClientOrderID(),
	}
	if err := e.d.Orders.ValidateBracket(req); err != nil {
		e.reject("validation")
		return false
	}

	res, err := e.submitBracket(ctx, req)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("entry order failed")
		return false
	}

	pos := e.d.Risk.Open(symbol, qty, price, sig.Strategy, res.NeedsClientSideMonitoring)
	e.logger.Info().Str("symbol", symbol).Str("strategy", sig.Strategy).
		Float64("qty", qty).Float64("price", price).
		Bool("bracket", res.HasBracketProtection).Str("reason", sig.Reason).Msg("entry placed")
	e.d.Bus.PublishOrderUpdate(symbol, string(broker.Buy), res.Order.Status, res.Order.ID, qty, price)
	e.d.Bus.PublishProfitTargets(symbol, pos.StopLoss, pos.TakeProfit, pos.HighWaterMark)
	return true
}

// submitMarket places an exit order on a context detached from loop
// shutdown: a close that has passed validation must reach the venue.
func (e *Engine) submitMarket(ctx context.Context, req broker.MarketOrderRequest) (broker.Order, error) {
	e.inFlight.Add(1)
	defer e.inFlight.Done()
	return e.d.Venue.PlaceMarket(context.WithoutCancel(ctx), req)
}

func (e *Engine) submitBracket(ctx context.Context, req broker.BracketOrderRequest) (broker.BracketResult, error) {
	e.inFlight.Add(1)
	defer e.inFlight.Done()
	return e.d.Venue.PlaceBracket(context.WithoutCancel(ctx), req)
}

func (e *Engine) fanOut() int {
	if e.cfg.Trading.FanOutLimit > 0 {
		return e.cfg.Trading.FanOutLimit
	}
	return 8
}

func (e *Engine) reject(reason string) {
	if e.d.Metrics != nil {
		e.d.Metrics.OrdersRejected.WithLabelValues(reason).Inc()
	}
}

func vetoReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrDrawdownHalt):
		return "drawdown_halt"
	case errors.Is(err, risk.ErrPDTLimit):
		return "pdt_limit"
	case errors.Is(err, risk.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, risk.ErrNotInList):
		return "not_in_watchlist"
	case errors.Is(err, risk.ErrMaxPositions):
		return "max_positions"
	case errors.Is(err, risk.ErrReserve):
		return "reserve_floor"
	case errors.Is(err, risk.ErrZeroSize):
		return "zero_size"
	default:
		return "risk"
	}
}

func (e *Engine) publishSnapshots(acct broker.Account, scanned, signals, exitsDone int) {
	positions := e.d.Risk.All()
	snapshot := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		snapshot = append(snapshot, map[string]interface{}{
			"symbol":          p.Symbol,
			"qty":             p.Qty,
			"entry_price":     p.EntryPrice,
			"stop_loss":       p.StopLoss,
			"take_profit":     p.TakeProfit,
			"high_water_mark": p.HighWaterMark,
			"strategy":        p.Strategy,
		})
	}
	e.d.Bus.PublishPositions(snapshot)
	e.d.Bus.PublishProcessingStatus(e.venueName, scanned, signals, exitsDone)
	e.d.Bus.PublishAccountData(map[string]interface{}{
		"equity":          acct.Equity,
		"cash":            acct.Cash,
		"buying_power":    acct.BuyingPower,
		"day_trade_count": acct.DayTradeCount,
	})
}

// Status summarizes the loop for the control surface.
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	lastTick := e.lastTick
	e.mu.Unlock()
	return map[string]interface{}{
		"venue":          e.venueName,
		"paused":         e.paused.Load(),
		"last_tick":      lastTick,
		"open_positions": e.d.Risk.Count(),
		"watchlist":      e.d.Watchlist.Active(),
	}
}
