// Package exits decides when and how much of an open position to close. The
// rules run in strict priority: the first that matches wins, and the engine
// is pure with respect to its input snapshot; it never places orders itself.
package exits

import (
	"fmt"
	"time"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/indicators"
	"equity-trading-engine/internal/risk"
)

// DecisionType names the rule that fired.
type DecisionType string

const (
	None            DecisionType = "none"
	StopLoss        DecisionType = "stop_loss"
	TakeProfit      DecisionType = "take_profit"
	PartialProfit   DecisionType = "partial_profit"
	VolatilitySpike DecisionType = "volatility_spike"
	TimeDecay       DecisionType = "time_decay"
	Correlation     DecisionType = "correlation"
	PDTPartial      DecisionType = "pdt_partial"
	VelocityDrop    DecisionType = "velocity_drop"
	EODLock         DecisionType = "eod_lock"
	QuickScalp      DecisionType = "quick_scalp"
)

// Decision is the exit verdict for one position at one tick.
type Decision struct {
	Type          DecisionType `json:"type"`
	Fraction      float64      `json:"fraction"` // of remaining quantity, (0,1]
	Reason        string       `json:"reason"`
	ExpectedPrice float64      `json:"expected_price"`
	// PartialLevel marks which milestone fired for PartialProfit, so the
	// caller can record it. -1 otherwise.
	PartialLevel int `json:"partial_level,omitempty"`
}

func none() Decision {
	return Decision{Type: None, PartialLevel: -1}
}

func full(t DecisionType, price float64, reason string) Decision {
	return Decision{Type: t, Fraction: 1, Reason: reason, ExpectedPrice: price, PartialLevel: -1}
}

func partial(t DecisionType, fraction, price float64, reason string) Decision {
	return Decision{Type: t, Fraction: fraction, Reason: reason, ExpectedPrice: price, PartialLevel: -1}
}

// Input is the full snapshot one evaluation sees.
type Input struct {
	Position       risk.Position
	Price          float64
	Now            time.Time
	PortfolioCount int
	AtPDTLimit     bool // sub-threshold equity with day trades exhausted
	RecentCloses   []float64
}

// Engine evaluates the exit rules with fixed configuration.
type Engine struct {
	cfg        config.ExitConfig
	lockHour   int
	lockMinute int
	nyLoc      *time.Location
}

// NewEngine parses the EOD lock time; config validation guarantees it parses.
func NewEngine(cfg config.ExitConfig) *Engine {
	t, err := time.Parse("15:04", cfg.EODLockTime)
	if err != nil {
		t, _ = time.Parse("15:04", "15:45")
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	return &Engine{cfg: cfg, lockHour: t.Hour(), lockMinute: t.Minute(), nyLoc: loc}
}

// Evaluate runs the rules in priority order and returns the first match.
func (e *Engine) Evaluate(in Input) Decision {
	pos := in.Position
	price := in.Price
	profit := pos.ProfitPct(price)
	held := pos.HoldingTime(in.Now)

	// 1. Stop loss.
	if pos.StopLoss > 0 && price <= pos.StopLoss {
		return full(StopLoss, price, fmt.Sprintf("price %.2f at stop %.2f", price, pos.StopLoss))
	}

	// 2. Take profit.
	if pos.TakeProfit > 0 && price >= pos.TakeProfit {
		return full(TakeProfit, price, fmt.Sprintf("price %.2f at target %.2f", price, pos.TakeProfit))
	}

	// 3. Partial profit milestones on the way to the target.
	if d, ok := e.partialProfit(pos, price); ok {
		return d
	}

	// 4. Volatility spike while profitable.
	if profit > 0 && shortHorizonVol(in.RecentCloses) > 0.05 {
		return full(VolatilitySpike, price, "short-horizon volatility above 5%, locking gain")
	}

	// 5. Time decay.
	maxHold := time.Duration(e.cfg.MaxHoldHours * float64(time.Hour))
	if held >= maxHold && profit < 0 {
		return full(TimeDecay, price, fmt.Sprintf("held %.1fh unprofitable", held.Hours()))
	}
	if held >= 2*maxHold && profit < 0.005 && profit > -0.005 {
		return full(TimeDecay, price, fmt.Sprintf("held %.1fh going nowhere", held.Hours()))
	}

	// 6. Correlation crowding.
	if in.PortfolioCount > e.cfg.MaxCorrelated && profit > 0.02 {
		return partial(Correlation, 0.5, price, "portfolio crowded, trimming winner")
	}

	// 7. PDT-aware partial.
	if in.AtPDTLimit && pos.OpenedToday(in.Now, e.nyLoc) && profit >= 0.005 {
		return partial(PDTPartial, e.cfg.PDTExitFraction, price, "day-trade limit reached, trimming intraday winner")
	}

	// 8. Profit velocity collapse.
	if pos.PeakProfitVelocity > 0 && profit > 0.005 {
		if h := held.Hours(); h > 0 {
			velocity := profit / h
			if velocity < (1-e.cfg.VelocityThreshold)*pos.PeakProfitVelocity {
				return full(VelocityDrop, price, fmt.Sprintf("velocity %.3f%%/h off peak %.3f%%/h", velocity*100, pos.PeakProfitVelocity*100))
			}
		}
	}

	// 9. End-of-day lock of young winners.
	minHold := time.Duration(e.cfg.MinHoldHours * float64(time.Hour))
	if e.afterLock(in.Now) && profit > 0 && held < minHold {
		return full(EODLock, price, "locking young winner before close")
	}

	// 10. Quick scalp.
	if profit >= 0.01 && held <= 30*time.Minute {
		return partial(QuickScalp, 0.75, price, "fast 1% move, harvesting most")
	}
	if profit >= 0.005 && held <= 15*time.Minute {
		return partial(QuickScalp, 0.5, price, "fast 0.5% move, harvesting half")
	}

	return none()
}

// partialProfit fires once per milestone of progress toward the target:
// 25% -> sell a third, 50% -> sell half, 75% -> sell half of the remainder.
func (e *Engine) partialProfit(pos risk.Position, price float64) (Decision, bool) {
	if pos.TakeProfit <= pos.EntryPrice {
		return Decision{}, false
	}
	progress := (price - pos.EntryPrice) / (pos.TakeProfit - pos.EntryPrice)

	levels := []struct {
		progress float64
		fraction float64
	}{
		{0.25, 1.0 / 3.0},
		{0.50, 0.5},
		{0.75, 0.5},
	}
	// Highest unfired level wins.
	for i := len(levels) - 1; i >= 0; i-- {
		if progress >= levels[i].progress && !pos.PartialExitLevels[i] {
			d := partial(PartialProfit, levels[i].fraction, price,
				fmt.Sprintf("%.0f%% of the way to target", levels[i].progress*100))
			d.PartialLevel = i
			return d, true
		}
	}
	return Decision{}, false
}

// shortHorizonVol is the standard deviation of the most recent log returns,
// capped to a 10-bar lookback.
func shortHorizonVol(closes []float64) float64 {
	if len(closes) > 11 {
		closes = closes[len(closes)-11:]
	}
	return indicators.StdDev(indicators.LogReturns(closes))
}

func (e *Engine) afterLock(now time.Time) bool {
	ny := now.In(e.nyLoc)
	return ny.Hour()*60+ny.Minute() >= e.lockHour*60+e.lockMinute
}
