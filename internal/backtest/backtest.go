// Package backtest replays the live strategy table over historical daily
// bars. One position at a time, fixed-fraction sizing, protective exits at
// the same percentages the live engine would use.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/indicators"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/regime"
	"equity-trading-engine/internal/strategy"
)

const (
	minDays = 5
	maxDays = 365

	// Fraction of equity committed per trade and per-side commission rate.
	positionFraction = 0.10
	commissionRate   = 0.0005

	// Bars of history before the first evaluation.
	warmup = 35
)

// Request describes one backtest run.
type Request struct {
	Symbol        string  `json:"symbol"`
	Days          int     `json:"days"`
	Capital       float64 `json:"capital"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
}

// Normalize clamps the request into runnable bounds and fills defaults.
func (r *Request) Normalize() error {
	if r.Symbol == "" {
		return fmt.Errorf("backtest: symbol required")
	}
	if r.Days < minDays {
		r.Days = minDays
	}
	if r.Days > maxDays {
		r.Days = maxDays
	}
	if r.Capital <= 0 {
		r.Capital = 10000
	}
	if r.TakeProfitPct <= 0 {
		r.TakeProfitPct = 0.04
	}
	if r.StopLossPct <= 0 {
		r.StopLossPct = 0.02
	}
	return nil
}

// Trade is one completed round trip.
type Trade struct {
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Qty        float64   `json:"qty"`
	ProfitLoss float64   `json:"profit_loss"`
	PLPercent  float64   `json:"pl_percent"`
	Strategy   string    `json:"strategy"`
	ExitReason string    `json:"exit_reason"`
}

// EquityPoint samples the equity curve after each closed trade.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Result is the full backtest report.
type Result struct {
	Symbol        string        `json:"symbol"`
	Days          int           `json:"days"`
	InitialValue  float64       `json:"initial_value"`
	FinalValue    float64       `json:"final_value"`
	NetProfit     float64       `json:"net_profit"`
	ReturnPct     float64       `json:"return_pct"`
	TotalTrades   int           `json:"total_trades"`
	WinningTrades int           `json:"winning_trades"`
	LosingTrades  int           `json:"losing_trades"`
	WinRate       float64       `json:"win_rate"`
	MaxDrawdown   float64       `json:"max_drawdown"`
	SharpeRatio   float64       `json:"sharpe_ratio"`
	Trades        []Trade       `json:"trades"`
	EquityCurve   []EquityPoint `json:"equity_curve"`
}

// Runner replays strategies over cached history.
type Runner struct {
	data       *marketdata.Cache
	strategies *strategy.Engine
	logger     zerolog.Logger
}

// NewRunner builds a runner over the market data cache.
func NewRunner(data *marketdata.Cache, strategies *strategy.Engine, logger zerolog.Logger) *Runner {
	return &Runner{
		data:       data,
		strategies: strategies,
		logger:     logger.With().Str("component", "backtest").Logger(),
	}
}

// Run executes one backtest.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	bars, _, err := r.data.HistoryBars(ctx, req.Symbol, req.Days, broker.TF1Day)
	if err != nil {
		return nil, fmt.Errorf("backtest: history for %s: %w", req.Symbol, err)
	}
	if len(bars) <= warmup {
		return nil, fmt.Errorf("backtest: only %d bars for %s, need more than %d", len(bars), req.Symbol, warmup)
	}

	res := r.replay(req, bars)
	r.logger.Info().Str("symbol", req.Symbol).Int("trades", res.TotalTrades).
		Float64("return_pct", res.ReturnPct).Msg("backtest finished")
	return res, nil
}

type openTrade struct {
	entryTime  time.Time
	entryPrice float64
	qty        float64
	stop       float64
	target     float64
	strategy   string
}

func (r *Runner) replay(req Request, bars []broker.Bar) *Result {
	res := &Result{
		Symbol:       req.Symbol,
		Days:         req.Days,
		InitialValue: req.Capital,
		Trades:       []Trade{},
		EquityCurve:  []EquityPoint{},
	}

	closes := indicators.Closes(bars)
	volumes := indicators.Volumes(bars)
	equity := req.Capital
	var open *openTrade

	closeAt := func(i int, price float64, reason string) {
		diff := price - open.entryPrice
		gross := diff * open.qty
		fees := (open.entryPrice + price) * open.qty * commissionRate
		pl := gross - fees
		equity += pl
		res.Trades = append(res.Trades, Trade{
			EntryTime:  open.entryTime,
			ExitTime:   bars[i].Timestamp,
			EntryPrice: open.entryPrice,
			ExitPrice:  price,
			Qty:        open.qty,
			ProfitLoss: pl,
			PLPercent:  diff / open.entryPrice * 100,
			Strategy:   open.strategy,
			ExitReason: reason,
		})
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: bars[i].Timestamp, Equity: equity})
		open = nil
	}

	for i := warmup; i < len(bars); i++ {
		price := closes[i]

		if open != nil {
			switch {
			case price <= open.stop:
				closeAt(i, open.stop, "stop_loss")
			case price >= open.target:
				closeAt(i, open.target, "take_profit")
			}
		}

		window := closes[:i+1]
		classification := classifyWindow(window, volumes[:i+1])
		qtyHeld := 0.0
		if open != nil {
			qtyHeld = open.qty
		}
		sig := r.strategies.Evaluate(strategy.Input{
			Symbol:      req.Symbol,
			Price:       price,
			PositionQty: qtyHeld,
			Closes:      window,
		}, classification.Regime)

		switch {
		case open == nil && sig.Action == strategy.ActionBuy:
			qty := equity * positionFraction / price
			open = &openTrade{
				entryTime:  bars[i].Timestamp,
				entryPrice: price,
				qty:        qty,
				stop:       price * (1 - req.StopLossPct),
				target:     price * (1 + req.TakeProfitPct),
				strategy:   sig.Strategy,
			}
		case open != nil && sig.Action == strategy.ActionSell:
			closeAt(i, price, "signal")
		}
	}

	if open != nil {
		closeAt(len(bars)-1, closes[len(closes)-1], "backtest_end")
	}

	finalize(res, equity)
	return res
}

// classifyWindow reuses the live regime classifier on a historical window,
// with realized volatility standing in for the vol proxy and neutral breadth.
func classifyWindow(closes, volumes []float64) regime.Classification {
	vixWindow := closes
	if len(vixWindow) > 21 {
		vixWindow = vixWindow[len(vixWindow)-21:]
	}
	volWindow := 1.0
	if avg := indicators.SMA(volumes, 20); avg > 0 {
		volWindow = volumes[len(volumes)-1] / avg
	}
	return regime.Classify(regime.Inputs{
		Price:          closes[len(closes)-1],
		MA50:           indicators.SMA(closes, 50),
		MA200:          indicators.SMA(closes, 200),
		VIX:            indicators.AnnualizedVol(indicators.LogReturns(vixWindow)),
		VolRatio:       volWindow,
		Breadth:        0.5,
		BreadthIsProxy: true,
	}, time.Time{})
}

func finalize(res *Result, finalEquity float64) {
	res.FinalValue = finalEquity
	res.NetProfit = finalEquity - res.InitialValue
	res.ReturnPct = res.NetProfit / res.InitialValue * 100
	res.TotalTrades = len(res.Trades)

	for _, t := range res.Trades {
		if t.ProfitLoss > 0 {
			res.WinningTrades++
		} else {
			res.LosingTrades++
		}
	}
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades) * 100
	}

	res.MaxDrawdown = maxDrawdown(res.InitialValue, res.EquityCurve)
	res.SharpeRatio = sharpe(res.Trades)
}

func maxDrawdown(initial float64, curve []EquityPoint) float64 {
	peak := initial
	worst := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if dd := (peak - p.Equity) / peak * 100; dd > worst {
			worst = dd
		}
	}
	return worst
}

// sharpe is the per-trade return mean over its standard deviation, risk-free
// rate taken as zero.
func sharpe(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.PLPercent
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	sd := indicators.StdDev(returns)
	if sd == 0 {
		return 0
	}
	return mean / sd
}
