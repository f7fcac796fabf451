package strategy

import (
	"fmt"

	"equity-trading-engine/internal/indicators"
)

// RSIStrategy trades mean reversion in ranging markets: buy oversold, sell
// overbought.
type RSIStrategy struct {
	Period     int
	Oversold   float64
	Overbought float64
}

// NewRSIStrategy returns the standard RSI(14, 30/70) configuration.
func NewRSIStrategy() *RSIStrategy {
	return &RSIStrategy{Period: 14, Oversold: 30, Overbought: 70}
}

func (s *RSIStrategy) Name() string { return "rsi_mean_reversion" }

func (s *RSIStrategy) Evaluate(in Input) Signal {
	rsi := indicators.RSI(in.Closes, s.Period)
	switch {
	case rsi < s.Oversold:
		return Buy(fmt.Sprintf("RSI %.1f below %.0f", rsi, s.Oversold))
	case rsi > s.Overbought:
		return Sell(fmt.Sprintf("RSI %.1f above %.0f", rsi, s.Overbought))
	}
	return Hold(fmt.Sprintf("RSI %.1f neutral", rsi))
}

// MACDStrategy follows trends in bull regimes: long while the MACD line
// leads its signal line.
type MACDStrategy struct {
	Fast, Slow, SignalPeriod int
}

// NewMACDStrategy returns the standard MACD(12,26,9) configuration.
func NewMACDStrategy() *MACDStrategy {
	return &MACDStrategy{Fast: 12, Slow: 26, SignalPeriod: 9}
}

func (s *MACDStrategy) Name() string { return "macd_trend" }

func (s *MACDStrategy) Evaluate(in Input) Signal {
	res := indicators.MACD(in.Closes, s.Fast, s.Slow, s.SignalPeriod)
	switch {
	case res.Histogram > 0 && res.MACD > 0:
		return Buy(fmt.Sprintf("MACD %.3f above signal, trend confirmed", res.MACD))
	case res.Histogram < 0 && in.PositionQty > 0:
		return Sell(fmt.Sprintf("MACD %.3f crossed below signal", res.MACD))
	}
	return Hold("no MACD crossover")
}

// BollingerStrategy trades mean reversion in high-volatility regimes with a
// wide 2.5-sigma envelope.
type BollingerStrategy struct {
	Period int
	K      float64
}

// NewBollingerStrategy returns the Bollinger(20, 2.5) configuration used for
// high-volatility regimes.
func NewBollingerStrategy() *BollingerStrategy {
	return &BollingerStrategy{Period: 20, K: 2.5}
}

func (s *BollingerStrategy) Name() string { return "bollinger_reversion" }

func (s *BollingerStrategy) Evaluate(in Input) Signal {
	bands := indicators.Bollinger(in.Closes, s.Period, s.K)
	switch {
	case in.Price <= bands.Lower:
		return Buy(fmt.Sprintf("price %.2f at lower band %.2f", in.Price, bands.Lower))
	case in.Price >= bands.Upper:
		return Sell(fmt.Sprintf("price %.2f at upper band %.2f", in.Price, bands.Upper))
	}
	return Hold("price inside bands")
}

// DefensiveStrategy runs in bear regimes: unwind longs, never open new risk.
type DefensiveStrategy struct{}

func (s *DefensiveStrategy) Name() string { return "defensive" }

func (s *DefensiveStrategy) Evaluate(in Input) Signal {
	if in.PositionQty > 0 {
		return Sell("bearish regime, reducing exposure")
	}
	return Hold("bearish regime, staying flat")
}
