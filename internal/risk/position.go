package risk

import (
	"time"
)

// Position is an open holding and its protective state. Positions are owned
// by the Manager; everything handed out is a copy.
type Position struct {
	Symbol        string    `json:"symbol"`
	Qty           float64   `json:"qty"`
	EntryPrice    float64   `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	HighWaterMark float64   `json:"high_water_mark"`

	// PartialExitLevels records which profit milestones already took a
	// partial exit. Monotonic while the position is open.
	PartialExitLevels [3]bool `json:"partial_exit_levels"`

	// TrailingHinted records which trailing levels already emitted their
	// one-time partial-exit hint. Independent of the exit milestones, whose
	// thresholds track the take-profit target rather than entry.
	TrailingHinted [2]bool `json:"trailing_hinted"`

	PeakProfitVelocity float64 `json:"peak_profit_velocity"` // best profit-per-hour seen
	Strategy           string  `json:"strategy"`

	// NeedsClientSideMonitoring is set when the venue holds no protective
	// legs (fractional entry) and the exit engine owns the stop and target.
	NeedsClientSideMonitoring bool `json:"needs_client_side_monitoring"`
}

// ProfitPct returns the unrealized move from entry at price, as a fraction.
func (p *Position) ProfitPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// HoldingTime returns how long the position has been open.
func (p *Position) HoldingTime(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// OpenedToday reports whether the position was entered on the same New York
// calendar day as now. Used by the PDT guard.
func (p *Position) OpenedToday(now time.Time, loc *time.Location) bool {
	a := p.EntryTime.In(loc)
	b := now.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
