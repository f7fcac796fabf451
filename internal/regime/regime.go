// Package regime classifies overall market state and produces per-symbol
// multi-timeframe signals. Classification itself is a pure function over a
// snapshot of inputs; the analyzer around it handles data fetch and caching.
package regime

import (
	"time"
)

// Regime is the coarse market state used to select strategies.
type Regime string

const (
	StrongBull     Regime = "strong_bull"
	WeakBull       Regime = "weak_bull"
	StrongBear     Regime = "strong_bear"
	WeakBear       Regime = "weak_bear"
	RangeBound     Regime = "range_bound"
	HighVolatility Regime = "high_volatility"
)

// IsBearish reports whether the regime calls for defensive strategies.
func (r Regime) IsBearish() bool {
	return r == StrongBear || r == WeakBear
}

// Classification is a regime with its confidence and timestamp.
type Classification struct {
	Regime     Regime    `json:"regime"`
	Confidence float64   `json:"confidence"`
	VIX        float64   `json:"vix"`
	Breadth    float64   `json:"breadth"`
	Timestamp  time.Time `json:"timestamp"`
}

// Trend is the direction summary derived from moving averages.
type Trend int

const (
	TrendNeutral Trend = iota
	TrendUp
	TrendDown
)

// Inputs is the snapshot the classifier works from. BreadthIsProxy marks
// breadth synthesized from the small index basket rather than a real
// advance/decline feed; it costs confidence but not classification.
type Inputs struct {
	Price          float64
	MA50           float64
	MA200          float64
	VIX            float64
	VolRatio       float64 // current volume / average volume
	Breadth        float64 // advancing / (advancing + declining)
	BreadthIsProxy bool
}

func (in Inputs) trend() Trend {
	switch {
	case in.Price > in.MA50 && in.MA50 > in.MA200:
		return TrendUp
	case in.Price < in.MA50 && in.MA50 < in.MA200:
		return TrendDown
	}
	return TrendNeutral
}

// trendStrength scales the moving-average separation into [0,1].
func (in Inputs) trendStrength() float64 {
	if in.MA200 <= 0 {
		return 0
	}
	sep := in.MA50 - in.MA200
	if sep < 0 {
		sep = -sep
	}
	s := sep / in.MA200 * 10
	if s > 1 {
		s = 1
	}
	return s
}

// Classify maps inputs to a regime deterministically.
//
//	vix > 30                                    -> HighVolatility
//	uptrend + volRatio>1.2 + breadth>0.6        -> StrongBull
//	uptrend otherwise                           -> WeakBull
//	downtrend + volRatio>1.2 + breadth<0.4      -> StrongBear
//	downtrend otherwise                         -> WeakBear
//	neutral trend + vix < 15                    -> RangeBound
//	default                                     -> RangeBound
func Classify(in Inputs, now time.Time) Classification {
	regime := classify(in)
	return Classification{
		Regime:     regime,
		Confidence: confidence(in, regime),
		VIX:        in.VIX,
		Breadth:    in.Breadth,
		Timestamp:  now,
	}
}

func classify(in Inputs) Regime {
	if in.VIX > 30 {
		return HighVolatility
	}
	switch in.trend() {
	case TrendUp:
		if in.VolRatio > 1.2 && in.Breadth > 0.6 {
			return StrongBull
		}
		return WeakBull
	case TrendDown:
		if in.VolRatio > 1.2 && in.Breadth < 0.4 {
			return StrongBear
		}
		return WeakBear
	}
	return RangeBound
}

// confidence starts at 0.5, adds 0.3-weighted trend strength, 0.1 each for
// volume and breadth confirmation, subtracts 0.1 per conflicting factor and
// 0.1 when breadth is only the basket proxy. Clamped to [0.3, 1.0].
func confidence(in Inputs, regime Regime) float64 {
	c := 0.5 + in.trendStrength()*0.3

	bullish := regime == StrongBull || regime == WeakBull
	bearish := regime.IsBearish()

	switch {
	case in.VolRatio > 1.2:
		c += 0.1
	case in.VolRatio < 0.8 && (bullish || bearish):
		c -= 0.1
	}

	switch {
	case bullish && in.Breadth > 0.6, bearish && in.Breadth < 0.4:
		c += 0.1
	case bullish && in.Breadth < 0.4, bearish && in.Breadth > 0.6:
		c -= 0.1
	}

	if in.BreadthIsProxy {
		c -= 0.1
	}

	if c < 0.3 {
		c = 0.3
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}
