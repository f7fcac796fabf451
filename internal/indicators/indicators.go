// Package indicators holds the pure technical indicator kernel. Every
// function is deterministic and side-effect free: same input, same output,
// no state between calls. Underflow behavior is documented per function and
// always returns a usable sentinel instead of an error.
package indicators

import (
	"math"

	"equity-trading-engine/internal/broker"
)

// Closes extracts close prices from bars, oldest first.
func Closes(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts volumes from bars, oldest first.
func Volumes(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// SMA returns the simple moving average of the last n values. With fewer
// than n values it returns the mean of what is available; with none, 0.
func SMA(values []float64, n int) float64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	if len(values) < n {
		n = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// EMA returns the exponential moving average with period n, seeded with the
// SMA of the first n values. With fewer than n values it degrades to SMA of
// what is available.
func EMA(values []float64, n int) float64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	if len(values) < n {
		return SMA(values, n)
	}
	ema := SMA(values[:n], n)
	k := 2.0 / (float64(n) + 1.0)
	for _, v := range values[n:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// emaSeries returns the EMA at every index from n-1 on; earlier indexes hold
// the running SMA seed. Used by MACD.
func emaSeries(values []float64, n int) []float64 {
	out := make([]float64, len(values))
	if len(values) < n {
		for i := range values {
			out[i] = SMA(values[:i+1], n)
		}
		return out
	}
	seed := SMA(values[:n], n)
	for i := 0; i < n; i++ {
		out[i] = seed
	}
	k := 2.0 / (float64(n) + 1.0)
	for i := n; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns the Wilder relative strength index over period n. Requires
// n+1 values; underflow returns the neutral sentinel 50.
func RSI(values []float64, n int) float64 {
	if n <= 0 || len(values) < n+1 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	for i := n + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult carries the MACD line, its signal line, and the histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes MACD(fast, slow, signal) over closes. Requires at least
// slow+signal values for a meaningful signal line; underflow returns zeros.
func MACD(values []float64, fast, slow, signal int) MACDResult {
	if len(values) < slow+signal {
		return MACDResult{}
	}
	fastSeries := emaSeries(values, fast)
	slowSeries := emaSeries(values, slow)
	macdLine := make([]float64, 0, len(values)-slow+1)
	for i := slow - 1; i < len(values); i++ {
		macdLine = append(macdLine, fastSeries[i]-slowSeries[i])
	}
	sig := EMA(macdLine, signal)
	macd := macdLine[len(macdLine)-1]
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig}
}

// BollingerBands carries the middle SMA and the k-sigma envelope.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes the n-period bands with k standard deviations. With
// fewer than n values the band collapses onto the available mean.
func Bollinger(values []float64, n int, k float64) BollingerBands {
	mid := SMA(values, n)
	if len(values) < n {
		return BollingerBands{Upper: mid, Middle: mid, Lower: mid}
	}
	sd := StdDev(values[len(values)-n:])
	return BollingerBands{
		Upper:  mid + k*sd,
		Middle: mid,
		Lower:  mid - k*sd,
	}
}

// StdDev returns the population standard deviation. Fewer than two values
// yields 0.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := SMA(values, len(values))
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// LogReturns returns ln(v[i]/v[i-1]) for each consecutive pair. Non-positive
// prices contribute 0. One value or fewer yields an empty slice.
func LogReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 || values[i] <= 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = math.Log(values[i] / values[i-1])
	}
	return out
}

// Correlation returns the Pearson correlation of two equal-length series.
// Mismatched or short input, or a zero-variance series, yields 0.
func Correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	meanA := SMA(a, len(a))
	meanB := SMA(b, len(b))
	var cov, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// ATR returns the n-period average true range over bars. Requires n+1 bars;
// underflow returns the mean of available true ranges, or 0 with fewer than
// two bars.
func ATR(bars []broker.Bar, n int) float64 {
	if len(bars) < 2 || n <= 0 {
		return 0
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		trs = append(trs, math.Max(hl, math.Max(hc, lc)))
	}
	if len(trs) < n {
		return SMA(trs, len(trs))
	}
	// Wilder smoothing seeded with the first n-TR average.
	atr := SMA(trs[:n], n)
	for _, tr := range trs[n:] {
		atr = (atr*float64(n-1) + tr) / float64(n)
	}
	return atr
}

// AnnualizedVol converts daily log returns to annualized volatility percent.
func AnnualizedVol(dailyLogReturns []float64) float64 {
	return StdDev(dailyLogReturns) * math.Sqrt(252) * 100
}
