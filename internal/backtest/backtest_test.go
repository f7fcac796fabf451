package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/logging"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/strategy"
)

// historyVenue serves one scripted daily series.
type historyVenue struct {
	bars []broker.Bar
}

func (v *historyVenue) Name() string { return "history" }

func (v *historyVenue) HistoryBars(ctx context.Context, symbol string, n int, tf broker.Timeframe) ([]broker.Bar, error) {
	if symbol != "TEST" {
		return nil, broker.ErrNotFound
	}
	bars := v.bars
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return append([]broker.Bar(nil), bars...), nil
}

func (v *historyVenue) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	return broker.Bar{}, broker.ErrNotFound
}
func (v *historyVenue) GetClock(ctx context.Context) (broker.Clock, error) {
	return broker.Clock{}, nil
}
func (v *historyVenue) GetAccount(ctx context.Context) (broker.Account, error) {
	return broker.Account{}, nil
}
func (v *historyVenue) ListPositions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}
func (v *historyVenue) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return nil, nil
}
func (v *historyVenue) PlaceMarket(ctx context.Context, req broker.MarketOrderRequest) (broker.Order, error) {
	return broker.Order{}, nil
}
func (v *historyVenue) PlaceLimit(ctx context.Context, req broker.LimitOrderRequest) (broker.Order, error) {
	return broker.Order{}, nil
}
func (v *historyVenue) PlaceBracket(ctx context.Context, req broker.BracketOrderRequest) (broker.BracketResult, error) {
	return broker.BracketResult{}, nil
}
func (v *historyVenue) CancelOrder(ctx context.Context, id string) error { return nil }
func (v *historyVenue) CancelAll(ctx context.Context) error              { return nil }
func (v *historyVenue) CloseAll(ctx context.Context, cancelPending bool) ([]broker.ClosedPosition, error) {
	return nil, nil
}

// vShape is 40 flat bars, a slow decline, then a long recovery rally.
func vShape() []broker.Bar {
	bars := make([]broker.Bar, 0, 200)
	t := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	px := 100.0
	for i := 0; i < 200; i++ {
		switch {
		case i < 40:
			px = 100
		case i < 70:
			px -= 0.5
		default:
			px += 1
		}
		bars = append(bars, broker.Bar{
			Timestamp: t.AddDate(0, 0, i),
			Open:      px, High: px, Low: px, Close: px,
			Volume: 1e6,
		})
	}
	return bars
}

func newRunner(bars []broker.Bar) *Runner {
	logger := logging.Nop()
	data := marketdata.New(&historyVenue{bars: bars}, time.Minute, logger)
	return NewRunner(data, strategy.NewEngine(logger), logger)
}

func TestRunRecoveryRally(t *testing.T) {
	r := newRunner(vShape())
	res, err := r.Run(context.Background(), Request{
		Symbol: "TEST", Days: 200, Capital: 10000,
		TakeProfitPct: 0.04, StopLossPct: 0.02,
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.TotalTrades == 0 {
		t.Fatal("no trades over a 130-bar rally")
	}
	if res.WinningTrades+res.LosingTrades != res.TotalTrades {
		t.Fatalf("trade counts inconsistent: %d + %d != %d", res.WinningTrades, res.LosingTrades, res.TotalTrades)
	}
	var sawTakeProfit bool
	for _, tr := range res.Trades {
		if tr.ExitReason == "take_profit" {
			sawTakeProfit = true
			if tr.ProfitLoss <= 0 {
				t.Fatalf("take-profit trade lost money: %+v", tr)
			}
		}
	}
	if !sawTakeProfit {
		t.Fatal("rally produced no take-profit exits")
	}
	if got := res.InitialValue + res.NetProfit; math.Abs(got-res.FinalValue) > 1e-6 {
		t.Fatalf("final value %f != initial + net %f", res.FinalValue, got)
	}
	if len(res.EquityCurve) != res.TotalTrades {
		t.Fatalf("equity curve has %d points for %d trades", len(res.EquityCurve), res.TotalTrades)
	}
	if res.MaxDrawdown < 0 {
		t.Fatalf("max drawdown = %f", res.MaxDrawdown)
	}
}

func TestNormalizeClampsDays(t *testing.T) {
	req := Request{Symbol: "TEST", Days: 1000}
	if err := req.Normalize(); err != nil {
		t.Fatal(err)
	}
	if req.Days != 365 {
		t.Fatalf("days = %d, want 365", req.Days)
	}

	req = Request{Symbol: "TEST", Days: 1}
	_ = req.Normalize()
	if req.Days != 5 {
		t.Fatalf("days = %d, want 5", req.Days)
	}
	if req.Capital != 10000 || req.StopLossPct != 0.02 || req.TakeProfitPct != 0.04 {
		t.Fatalf("defaults not applied: %+v", req)
	}
}

func TestRunRejectsMissingSymbol(t *testing.T) {
	r := newRunner(vShape())
	if _, err := r.Run(context.Background(), Request{}); err == nil {
		t.Fatal("empty symbol accepted")
	}
	if _, err := r.Run(context.Background(), Request{Symbol: "NOPE", Days: 100}); err == nil {
		t.Fatal("unknown symbol accepted")
	}
}

func TestRunRejectsShortHistory(t *testing.T) {
	r := newRunner(vShape()[:20])
	if _, err := r.Run(context.Background(), Request{Symbol: "TEST", Days: 30}); err == nil {
		t.Fatal("short history accepted")
	}
}
