package indicators

import (
	"math"
	"testing"

	"equity-trading-engine/internal/broker"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	if got := SMA(values, 3); got != 4 {
		t.Fatalf("SMA(…,3) = %f, want 4", got)
	}
	// Underflow: mean of available.
	if got := SMA(values[:2], 5); got != 1.5 {
		t.Fatalf("SMA underflow = %f, want 1.5", got)
	}
	if got := SMA(nil, 5); got != 0 {
		t.Fatalf("SMA(nil) = %f, want 0", got)
	}
}

func TestEMAConvergesTowardRecent(t *testing.T) {
	flat := make([]float64, 50)
	for i := range flat {
		flat[i] = 100
	}
	if got := EMA(flat, 10); !almostEqual(got, 100, 1e-9) {
		t.Fatalf("EMA of constant series = %f, want 100", got)
	}

	rising := make([]float64, 50)
	for i := range rising {
		rising[i] = float64(i + 1)
	}
	ema := EMA(rising, 10)
	sma := SMA(rising, 10)
	if ema <= sma-2 || ema > 50 {
		t.Fatalf("EMA = %f implausible against SMA %f", ema, sma)
	}
}

func TestRSI(t *testing.T) {
	// Monotonic rise: RSI pegs at 100.
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	if got := RSI(rising, 14); got != 100 {
		t.Fatalf("RSI of straight rise = %f, want 100", got)
	}

	// Monotonic fall: RSI at 0.
	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = float64(200 - i)
	}
	if got := RSI(falling, 14); got != 0 {
		t.Fatalf("RSI of straight fall = %f, want 0", got)
	}

	// Underflow sentinel.
	if got := RSI([]float64{1, 2, 3}, 14); got != 50 {
		t.Fatalf("RSI underflow = %f, want 50", got)
	}
	// Flat series is neutral.
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 100
	}
	if got := RSI(flat, 14); got != 50 {
		t.Fatalf("RSI of flat series = %f, want 50", got)
	}
}

func TestMACD(t *testing.T) {
	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	res := MACD(rising, 12, 26, 9)
	if res.MACD <= 0 {
		t.Fatalf("MACD of uptrend = %f, want positive", res.MACD)
	}

	if got := MACD([]float64{1, 2, 3}, 12, 26, 9); got != (MACDResult{}) {
		t.Fatalf("MACD underflow = %+v, want zero value", got)
	}
}

func TestBollinger(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		if i%2 == 0 {
			values[i] = 95
		} else {
			values[i] = 105
		}
	}
	bands := Bollinger(values, 20, 2)
	if !almostEqual(bands.Middle, 100, 1e-9) {
		t.Fatalf("middle band = %f, want 100", bands.Middle)
	}
	if bands.Upper <= bands.Middle || bands.Lower >= bands.Middle {
		t.Fatalf("bands not around middle: %+v", bands)
	}
	if !almostEqual(bands.Upper-bands.Middle, bands.Middle-bands.Lower, 1e-9) {
		t.Fatalf("bands not symmetric: %+v", bands)
	}

	// Underflow collapses onto the mean.
	short := Bollinger([]float64{100, 102}, 20, 2)
	if short.Upper != short.Middle || short.Lower != short.Middle {
		t.Fatalf("underflow bands should collapse: %+v", short)
	}
}

func TestStdDev(t *testing.T) {
	if got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}); !almostEqual(got, 2, 1e-9) {
		t.Fatalf("StdDev = %f, want 2", got)
	}
	if got := StdDev([]float64{5}); got != 0 {
		t.Fatalf("StdDev single value = %f, want 0", got)
	}
}

func TestLogReturns(t *testing.T) {
	rets := LogReturns([]float64{100, 110, 99})
	if len(rets) != 2 {
		t.Fatalf("len = %d, want 2", len(rets))
	}
	if !almostEqual(rets[0], math.Log(1.1), 1e-12) {
		t.Fatalf("rets[0] = %f", rets[0])
	}
	if rets[1] >= 0 {
		t.Fatalf("down move must yield negative return: %f", rets[1])
	}
	if LogReturns([]float64{100}) != nil {
		t.Fatal("single value must yield nil")
	}
}

func TestCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	if got := Correlation(a, b); !almostEqual(got, 1, 1e-9) {
		t.Fatalf("perfect correlation = %f, want 1", got)
	}
	inv := []float64{10, 8, 6, 4, 2}
	if got := Correlation(a, inv); !almostEqual(got, -1, 1e-9) {
		t.Fatalf("perfect anticorrelation = %f, want -1", got)
	}
	if got := Correlation(a, []float64{1, 2}); got != 0 {
		t.Fatalf("length mismatch = %f, want 0", got)
	}
	flat := []float64{3, 3, 3, 3, 3}
	if got := Correlation(a, flat); got != 0 {
		t.Fatalf("zero-variance series = %f, want 0", got)
	}
}

func TestATR(t *testing.T) {
	bars := make([]broker.Bar, 20)
	for i := range bars {
		bars[i] = broker.Bar{Open: 100, High: 102, Low: 98, Close: 100}
	}
	if got := ATR(bars, 14); !almostEqual(got, 4, 1e-9) {
		t.Fatalf("ATR of constant 4-point range = %f, want 4", got)
	}
	if got := ATR(bars[:1], 14); got != 0 {
		t.Fatalf("ATR underflow = %f, want 0", got)
	}
}

func TestIndicatorsArePure(t *testing.T) {
	values := []float64{5, 9, 3, 7, 1, 8, 2, 6, 4, 10, 5, 9, 3, 7, 1, 8, 2, 6, 4, 10, 11, 12, 9, 8, 14, 13, 12, 16, 15, 17}
	first := RSI(values, 14)
	for i := 0; i < 5; i++ {
		if got := RSI(values, 14); got != first {
			t.Fatalf("RSI not deterministic: %f vs %f", got, first)
		}
	}
	m1 := MACD(values, 5, 10, 3)
	m2 := MACD(values, 5, 10, 3)
	if m1 != m2 {
		t.Fatalf("MACD not deterministic: %+v vs %+v", m1, m2)
	}
}
