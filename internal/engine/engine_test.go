package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/emergency"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/exits"
	"equity-trading-engine/internal/logging"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/orders"
	"equity-trading-engine/internal/regime"
	"equity-trading-engine/internal/risk"
	"equity-trading-engine/internal/strategy"
	"equity-trading-engine/internal/watchlist"
)

// bookVenue serves scripted bars and records every order it receives.
// Brackets always come back downgraded to client-side protection.
type bookVenue struct {
	mu      sync.Mutex
	bars    map[string][]broker.Bar
	account broker.Account

	accountCalls int
	markets      []broker.MarketOrderRequest
	brackets     []broker.BracketOrderRequest
}

func (v *bookVenue) Name() string { return "book" }

func (v *bookVenue) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bars := v.bars[symbol]
	if len(bars) == 0 {
		return broker.Bar{}, broker.ErrNotFound
	}
	return bars[len(bars)-1], nil
}

func (v *bookVenue) HistoryBars(ctx context.Context, symbol string, n int, tf broker.Timeframe) ([]broker.Bar, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bars := v.bars[symbol]
	if len(bars) == 0 {
		return nil, broker.ErrNotFound
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return append([]broker.Bar(nil), bars...), nil
}

func (v *bookVenue) GetClock(ctx context.Context) (broker.Clock, error) {
	now := time.Now()
	return broker.Clock{IsOpen: true, Timestamp: now, NextClose: now.Add(4 * time.Hour)}, nil
}

func (v *bookVenue) GetAccount(ctx context.Context) (broker.Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accountCalls++
	return v.account, nil
}

func (v *bookVenue) ListPositions(ctx context.Context) ([]broker.Position, error) { return nil, nil }
func (v *bookVenue) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return nil, nil
}

func (v *bookVenue) PlaceMarket(ctx context.Context, req broker.MarketOrderRequest) (broker.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markets = append(v.markets, req)
	return broker.Order{ID: "mkt-" + req.Symbol, Symbol: req.Symbol, Qty: req.Qty, Side: req.Side, Status: "filled"}, nil
}

func (v *bookVenue) PlaceLimit(ctx context.Context, req broker.LimitOrderRequest) (broker.Order, error) {
	return broker.Order{}, nil
}

func (v *bookVenue) PlaceBracket(ctx context.Context, req broker.BracketOrderRequest) (broker.BracketResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.brackets = append(v.brackets, req)
	return broker.BracketResult{
		Order:                     broker.Order{ID: "brk-" + req.Symbol, Symbol: req.Symbol, Qty: req.Qty, Status: "filled"},
		Success:                   true,
		HasBracketProtection:      false,
		NeedsClientSideMonitoring: true,
	}, nil
}

func (v *bookVenue) CancelOrder(ctx context.Context, id string) error { return nil }
func (v *bookVenue) CancelAll(ctx context.Context) error              { return nil }
func (v *bookVenue) CloseAll(ctx context.Context, cancelPending bool) ([]broker.ClosedPosition, error) {
	return nil, nil
}

func rising(n int, start, slope float64) []broker.Bar {
	bars := make([]broker.Bar, n)
	t := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := range bars {
		px := start + slope*float64(i)
		bars[i] = broker.Bar{Timestamp: t.Add(time.Duration(i) * time.Minute), Open: px, High: px, Low: px, Close: px, Volume: 1e6}
	}
	return bars
}

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			TickInterval:     10 * time.Second,
			FanOutLimit:      4,
			MarketProxy:      "SPY",
			VolProxy:         "SVXY",
			BreadthBasket:    []string{"AAPL"},
			MinTimeframes:    2,
			OrderCooldown:    5 * time.Second,
			RotationInterval: 5 * time.Minute,
		},
		Watchlist: config.WatchlistConfig{Capacity: 5, Universe: []string{"AAPL"}, Cooldown: 30 * time.Minute},
		Risk: config.RiskConfig{
			RiskPerTrade:   0.01,
			StopLossPct:    0.02,
			TakeProfitPct:  0.04,
			MaxPositionPct: 0.20,
			ReservePct:     0.25,
			MaxDrawdown:    0.10,
			MaxPositions:   5,
			PDTEnabled:     true,
		},
		Exits: config.ExitConfig{
			MaxHoldHours:      48,
			MinHoldHours:      1,
			MaxCorrelated:     3,
			VelocityThreshold: 0.5,
			EODLockTime:       "15:45",
			PDTExitFraction:   0.5,
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, venue broker.Venue) (*Engine, Deps) {
	t.Helper()
	logger := logging.Nop()
	data := marketdata.New(venue, time.Minute, logger)
	deps := Deps{
		Venue:      venue,
		Data:       data,
		Analyzer:   regime.NewAnalyzer(data, cfg.Trading, logger),
		Strategies: strategy.NewEngine(logger),
		Watchlist: watchlist.New(cfg.Watchlist, watchlist.ScorerFunc(func(ctx context.Context, symbol string) (float64, error) {
			return 1, nil
		}), cfg.Trading.FanOutLimit, logger),
		Risk:   risk.NewManager(cfg.Risk, logger),
		Exits:  exits.NewEngine(cfg.Exits),
		Orders: orders.NewValidator(cfg.Trading.OrderCooldown, logger),
		Bus:    events.NewBus(256, nil),
	}
	return New(cfg, "stocks", deps, logger), deps
}

func TestEntryFlowOpensClientMonitoredPosition(t *testing.T) {
	venue := &bookVenue{
		bars: map[string][]broker.Bar{
			"AAPL": rising(60, 100, 0.5),
			"SPY":  rising(250, 100, 0.2),
			"SVXY": rising(5, 30, 0), // implied vol around 17
		},
		account: broker.Account{Equity: 100000, Cash: 100000, BuyingPower: 100000, Status: "ACTIVE"},
	}
	e, deps := newTestEngine(t, testConfig(), venue)

	e.Tick(context.Background())

	if len(venue.brackets) != 1 {
		t.Fatalf("bracket orders = %d, want 1", len(venue.brackets))
	}
	req := venue.brackets[0]
	if req.Symbol != "AAPL" || req.Side != broker.Buy {
		t.Fatalf("bracket = %+v", req)
	}
	price := 100 + 0.5*59.0
	if req.StopLoss >= price || req.TakeProfit <= price {
		t.Fatalf("protective prices %f/%f do not straddle entry %f", req.StopLoss, req.TakeProfit, price)
	}
	// Sized by the 20% position-value cap, not the raw risk budget.
	if value := req.Qty * price; value > 20000.01 || value < 19000 {
		t.Fatalf("position value = %f, want near the 20%% cap", value)
	}

	pos, ok := deps.Risk.Get("AAPL")
	if !ok {
		t.Fatal("no position recorded after entry fill")
	}
	if !pos.NeedsClientSideMonitoring {
		t.Fatal("downgraded bracket not flagged for client-side monitoring")
	}
	if pos.StopLoss <= 0 || pos.TakeProfit <= pos.StopLoss {
		t.Fatalf("position protection = %+v", pos)
	}
}

func TestHeldSymbolNotReentered(t *testing.T) {
	venue := &bookVenue{
		bars: map[string][]broker.Bar{
			"AAPL": rising(60, 100, 0.5),
			"SPY":  rising(250, 100, 0.2),
			"SVXY": rising(5, 30, 0),
		},
		account: broker.Account{Equity: 100000, Cash: 100000, Status: "ACTIVE"},
	}
	e, _ := newTestEngine(t, testConfig(), venue)

	e.Tick(context.Background())
	e.Tick(context.Background())
	if len(venue.brackets) != 1 {
		t.Fatalf("bracket orders = %d, want 1 despite two ticks", len(venue.brackets))
	}
}

func TestExitFlowClosesOnStopBreach(t *testing.T) {
	venue := &bookVenue{
		bars: map[string][]broker.Bar{
			// Last price 97, below the 98 stop of a 100 entry.
			"AAPL": rising(10, 97, 0),
			"SPY":  rising(250, 100, 0.2),
			"SVXY": rising(5, 30, 0),
		},
		account: broker.Account{Equity: 100000, Cash: 100000, Status: "ACTIVE"},
	}
	cfg := testConfig()
	cfg.Watchlist.Universe = nil // exits only
	e, deps := newTestEngine(t, cfg, venue)
	deps.Risk.Open("AAPL", 10, 100, "macd_trend", true)

	e.Tick(context.Background())

	if len(venue.markets) != 1 {
		t.Fatalf("market orders = %d, want 1", len(venue.markets))
	}
	req := venue.markets[0]
	if req.Side != broker.Sell || req.Qty != 10 {
		t.Fatalf("exit order = %+v", req)
	}
	if _, ok := deps.Risk.Get("AAPL"); ok {
		t.Fatal("position still tracked after full exit")
	}
}

// drainTypes empties a subscription and tallies event types seen so far.
func drainTypes(sub *events.Subscription) map[events.EventType]int {
	got := map[events.EventType]int{}
	for {
		select {
		case ev := <-sub.C():
			got[ev.Type]++
			continue
		default:
		}
		return got
	}
}

func TestPausedTickStillRunsExitsAndSnapshots(t *testing.T) {
	venue := &bookVenue{
		bars: map[string][]broker.Bar{
			// AAPL sits below the 98 stop of a 100 entry; MSFT is an entry
			// candidate that must stay untouched while paused.
			"AAPL": rising(10, 97, 0),
			"MSFT": rising(60, 100, 0.5),
			"SPY":  rising(250, 100, 0.2),
			"SVXY": rising(5, 30, 0),
		},
		account: broker.Account{Equity: 100000, Cash: 100000, Status: "ACTIVE"},
	}
	cfg := testConfig()
	cfg.Watchlist.Universe = []string{"MSFT"}
	e, deps := newTestEngine(t, cfg, venue)
	deps.Risk.Open("AAPL", 10, 100, "macd_trend", true)

	sub := deps.Bus.Subscribe()
	defer deps.Bus.Unsubscribe(sub)

	e.Pause()
	e.Tick(context.Background())

	if len(venue.brackets) != 0 {
		t.Fatalf("entry orders = %d while paused, want 0", len(venue.brackets))
	}
	if len(venue.markets) != 1 {
		t.Fatalf("exit orders = %d while paused, want 1", len(venue.markets))
	}
	if _, ok := deps.Risk.Get("AAPL"); ok {
		t.Fatal("breached position survived a paused tick")
	}
	got := drainTypes(sub)
	for _, want := range []events.EventType{events.EventPositionsUpdate, events.EventProcessingStatus} {
		if got[want] == 0 {
			t.Fatalf("paused tick did not publish %s, got %v", want, got)
		}
	}

	e.Resume()
	e.Tick(context.Background())
	if len(venue.brackets) != 1 {
		t.Fatalf("entry orders after resume = %d, want 1", len(venue.brackets))
	}
}

func TestEmergencyHaltsTick(t *testing.T) {
	venue := &bookVenue{account: broker.Account{Equity: 100000, Status: "ACTIVE"}}
	cfg := testConfig()
	e, deps := newTestEngine(t, cfg, venue)

	// One clean tick so the loop has an account snapshot to report from.
	e.Tick(context.Background())

	prot := emergency.NewProtocol(map[string]broker.Venue{"stocks": venue}, nil, nil, logging.Nop())
	e.d.Emergency = prot
	prot.Trigger(context.Background(), "test")

	sub := deps.Bus.Subscribe()
	defer deps.Bus.Unsubscribe(sub)

	calls := venue.accountCalls
	e.Tick(context.Background())
	if venue.accountCalls != calls {
		t.Fatal("tick touched the broker while emergency is triggered")
	}
	if got := drainTypes(sub); got[events.EventPositionsUpdate] == 0 {
		t.Fatalf("halted tick did not publish the positions snapshot, got %v", got)
	}
}
