package regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/indicators"
	"equity-trading-engine/internal/marketdata"
)

// TrendLabel is the per-timeframe trend bucket.
type TrendLabel string

const (
	StrongUp   TrendLabel = "strong_up"
	WeakUp     TrendLabel = "weak_up"
	Neutral    TrendLabel = "neutral"
	WeakDown   TrendLabel = "weak_down"
	StrongDown TrendLabel = "strong_down"
)

// Direction is the per-timeframe recommendation.
type Direction string

const (
	DirBuy  Direction = "buy"
	DirSell Direction = "sell"
	DirHold Direction = "hold"
)

// TimeframeSignal is the analysis of one symbol on one timeframe.
type TimeframeSignal struct {
	Timeframe broker.Timeframe `json:"timeframe"`
	Trend     TrendLabel       `json:"trend"`
	Strength  float64          `json:"strength"`
	Signal    Direction        `json:"signal"`
	SMA20     float64          `json:"sma20"`
	SMA50     float64          `json:"sma50"`
	Price     float64          `json:"price"`
}

// MTFResult aggregates the per-timeframe signals into one recommendation.
type MTFResult struct {
	Symbol     string            `json:"symbol"`
	Signals    []TimeframeSignal `json:"signals"`
	Final      Direction         `json:"final"`
	Reason     string            `json:"reason"`
	AnalyzedAt time.Time         `json:"analyzed_at"`
}

var analysisTimeframes = []broker.Timeframe{broker.TF15Min, broker.TF1Hour, broker.TF1Day}

// Analyzer owns regime classification and multi-timeframe analysis. Results
// are cached for one minute per key; the classifier itself stays pure.
type Analyzer struct {
	data   *marketdata.Cache
	cfg    config.TradingConfig
	logger zerolog.Logger

	mu          sync.Mutex
	regimeCache *Classification
	regimeAt    time.Time
	mtfCache    map[string]MTFResult

	now func() time.Time
}

const cacheTTL = time.Minute

// NewAnalyzer builds the analyzer over the market data cache.
func NewAnalyzer(data *marketdata.Cache, cfg config.TradingConfig, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		data:     data,
		cfg:      cfg,
		logger:   logger.With().Str("component", "regime").Logger(),
		mtfCache: make(map[string]MTFResult),
		now:      time.Now,
	}
}

// CurrentRegime classifies the market from the configured proxies. On data
// underflow it returns RangeBound at the confidence floor rather than an
// error.
func (a *Analyzer) CurrentRegime(ctx context.Context) Classification {
	a.mu.Lock()
	if a.regimeCache != nil && a.now().Sub(a.regimeAt) < cacheTTL {
		c := *a.regimeCache
		a.mu.Unlock()
		return c
	}
	a.mu.Unlock()

	c := a.classifyNow(ctx)

	a.mu.Lock()
	a.regimeCache = &c
	a.regimeAt = a.now()
	a.mu.Unlock()
	return c
}

func (a *Analyzer) classifyNow(ctx context.Context) Classification {
	bars, _, err := a.data.HistoryBars(ctx, a.cfg.MarketProxy, 250, broker.TF1Day)
	if err != nil || len(bars) < 50 {
		a.logger.Warn().Err(err).Int("bars", len(bars)).
			Msg("insufficient proxy history, defaulting to range-bound")
		return Classification{Regime: RangeBound, Confidence: 0.3, Timestamp: a.now()}
	}

	closes := indicators.Closes(bars)
	volumes := indicators.Volumes(bars)
	price := closes[len(closes)-1]

	in := Inputs{
		Price:          price,
		MA50:           indicators.SMA(closes, 50),
		MA200:          indicators.SMA(closes, 200),
		VIX:            a.volatilityIndex(ctx, closes),
		VolRatio:       volRatio(volumes),
		BreadthIsProxy: true,
	}
	in.Breadth = a.basketBreadth(ctx)

	c := Classify(in, a.now())
	a.logger.Debug().Str("regime", string(c.Regime)).Float64("confidence", c.Confidence).
		Float64("vix", c.VIX).Float64("breadth", c.Breadth).Msg("market regime classified")
	return c
}

// volatilityIndex derives a VIX estimate: inverse-vol ETF conversion first,
// then annualized realized volatility of the proxy as last resort.
func (a *Analyzer) volatilityIndex(ctx context.Context, proxyCloses []float64) float64 {
	if a.cfg.VolProxy != "" {
		px, _, err := a.data.LatestPrice(ctx, a.cfg.VolProxy)
		if err == nil && px > 0 {
			return px/2 + 2
		}
	}
	n := len(proxyCloses)
	if n > 21 {
		proxyCloses = proxyCloses[n-21:]
	}
	return indicators.AnnualizedVol(indicators.LogReturns(proxyCloses))
}

func volRatio(volumes []float64) float64 {
	if len(volumes) == 0 {
		return 1
	}
	avg := indicators.SMA(volumes, 20)
	if avg <= 0 {
		return 1
	}
	return volumes[len(volumes)-1] / avg
}

// basketBreadth counts advancing symbols over the configured basket. A
// symbol advances when its latest daily close beats the prior close.
func (a *Analyzer) basketBreadth(ctx context.Context) float64 {
	advancing, total := 0, 0
	for _, sym := range a.cfg.BreadthBasket {
		bars, _, err := a.data.HistoryBars(ctx, sym, 2, broker.TF1Day)
		if err != nil || len(bars) < 2 {
			continue
		}
		total++
		if bars[1].Close > bars[0].Close {
			advancing++
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(advancing) / float64(total)
}

// Analyze produces the multi-timeframe view for one symbol, cached for one
// minute.
func (a *Analyzer) Analyze(ctx context.Context, symbol string) MTFResult {
	a.mu.Lock()
	if cached, ok := a.mtfCache[symbol]; ok && a.now().Sub(cached.AnalyzedAt) < cacheTTL {
		a.mu.Unlock()
		return cached
	}
	a.mu.Unlock()

	signals := make([]TimeframeSignal, 0, len(analysisTimeframes))
	for _, tf := range analysisTimeframes {
		bars, _, err := a.data.HistoryBars(ctx, symbol, 60, tf)
		if err != nil || len(bars) < 20 {
			signals = append(signals, TimeframeSignal{Timeframe: tf, Trend: Neutral, Signal: DirHold})
			continue
		}
		signals = append(signals, AnalyzeTimeframe(tf, indicators.Closes(bars)))
	}

	final, reason := Combine(signals, a.cfg.MinTimeframes)
	result := MTFResult{
		Symbol:     symbol,
		Signals:    signals,
		Final:      final,
		Reason:     reason,
		AnalyzedAt: a.now(),
	}

	a.mu.Lock()
	a.mtfCache[symbol] = result
	a.mu.Unlock()
	return result
}

// AnalyzeTimeframe computes trend, strength and the relaxed-entry signal for
// one timeframe. Pure.
func AnalyzeTimeframe(tf broker.Timeframe, closes []float64) TimeframeSignal {
	price := closes[len(closes)-1]
	sma20 := indicators.SMA(closes, 20)
	sma50 := indicators.SMA(closes, 50)

	sig := TimeframeSignal{
		Timeframe: tf,
		Price:     price,
		SMA20:     sma20,
		SMA50:     sma50,
		Trend:     trendLabel(price, sma20, sma50),
	}
	sig.Strength = trendStrengthOf(price, sma50)
	sig.Signal = relaxedEntry(sig)
	return sig
}

func trendLabel(price, sma20, sma50 float64) TrendLabel {
	switch {
	case price > sma20 && sma20 > sma50:
		if price > sma50*1.02 {
			return StrongUp
		}
		return WeakUp
	case price < sma20 && sma20 < sma50:
		if price < sma50*0.98 {
			return StrongDown
		}
		return WeakDown
	}
	return Neutral
}

func trendStrengthOf(price, sma50 float64) float64 {
	if sma50 <= 0 {
		return 0
	}
	d := price - sma50
	if d < 0 {
		d = -d
	}
	s := d / sma50 * 25
	if s > 1 {
		s = 1
	}
	return s
}

// relaxedEntry applies the entry rules: strong uptrends buy unless price has
// run more than 5% past sma20; weak uptrends buy below sma20*1.03;
// downtrends sell while price still holds above sma20*0.99.
func relaxedEntry(sig TimeframeSignal) Direction {
	switch sig.Trend {
	case StrongUp:
		if sig.Price > sig.SMA20*1.05 {
			return DirHold
		}
		return DirBuy
	case WeakUp:
		if sig.Price < sig.SMA20*1.03 {
			return DirBuy
		}
		return DirHold
	case StrongDown, WeakDown:
		if sig.Price > sig.SMA20*0.99 {
			return DirSell
		}
		return DirHold
	}
	return DirHold
}

// Combine folds per-timeframe signals into a final recommendation: full
// alignment across minAligned timeframes, or a 60% bullish majority with
// average strength at least 0.4.
func Combine(signals []TimeframeSignal, minAligned int) (Direction, string) {
	if len(signals) == 0 {
		return DirHold, "no timeframe data"
	}
	buys, sells := 0, 0
	var bullStrength float64
	for _, s := range signals {
		switch s.Signal {
		case DirBuy:
			buys++
			bullStrength += s.Strength
		case DirSell:
			sells++
		}
	}

	if buys >= minAligned {
		return DirBuy, fmt.Sprintf("%d/%d timeframes aligned bullish", buys, len(signals))
	}
	if sells >= minAligned {
		return DirSell, fmt.Sprintf("%d/%d timeframes aligned bearish", sells, len(signals))
	}
	if buys > 0 && float64(buys)/float64(len(signals)) >= 0.6 && bullStrength/float64(buys) >= 0.4 {
		return DirBuy, "bullish majority with sufficient strength"
	}
	return DirHold, "timeframes not aligned"
}
