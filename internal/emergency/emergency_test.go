package emergency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/logging"
)

// flattenVenue records cancel and close calls and serves a fixed book.
type flattenVenue struct {
	name      string
	positions []broker.Position

	cancelErr error
	placeErr  map[string]error

	mu          sync.Mutex
	cancelCalls int
	placed      []broker.MarketOrderRequest
}

func (v *flattenVenue) Name() string { return v.name }

func (v *flattenVenue) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	return broker.Bar{}, nil
}
func (v *flattenVenue) HistoryBars(ctx context.Context, symbol string, n int, tf broker.Timeframe) ([]broker.Bar, error) {
	return nil, nil
}
func (v *flattenVenue) GetClock(ctx context.Context) (broker.Clock, error) {
	return broker.Clock{}, nil
}
func (v *flattenVenue) GetAccount(ctx context.Context) (broker.Account, error) {
	return broker.Account{}, nil
}
func (v *flattenVenue) ListPositions(ctx context.Context) ([]broker.Position, error) {
	return append([]broker.Position(nil), v.positions...), nil
}
func (v *flattenVenue) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return nil, nil
}
func (v *flattenVenue) PlaceMarket(ctx context.Context, req broker.MarketOrderRequest) (broker.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.placeErr[req.Symbol]; err != nil {
		return broker.Order{}, err
	}
	v.placed = append(v.placed, req)
	return broker.Order{ID: "ord-" + req.Symbol, Symbol: req.Symbol, Qty: req.Qty, Side: req.Side}, nil
}
func (v *flattenVenue) PlaceLimit(ctx context.Context, req broker.LimitOrderRequest) (broker.Order, error) {
	return broker.Order{}, nil
}
func (v *flattenVenue) PlaceBracket(ctx context.Context, req broker.BracketOrderRequest) (broker.BracketResult, error) {
	return broker.BracketResult{}, nil
}
func (v *flattenVenue) CancelOrder(ctx context.Context, id string) error { return nil }
func (v *flattenVenue) CancelAll(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelCalls++
	return v.cancelErr
}
func (v *flattenVenue) CloseAll(ctx context.Context, cancelPending bool) ([]broker.ClosedPosition, error) {
	return nil, nil
}

func TestTriggerFlattensEveryPosition(t *testing.T) {
	v := &flattenVenue{
		name: "stocks",
		positions: []broker.Position{
			{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 100},
			{Symbol: "MSFT", Qty: -5, AvgEntryPrice: 300},
		},
	}
	p := NewProtocol(map[string]broker.Venue{"stocks": v}, nil, nil, logging.Nop())

	res := p.Trigger(context.Background(), "operator panic")
	if res.Status != "completed" {
		t.Fatalf("status = %s", res.Status)
	}
	if v.cancelCalls != 1 {
		t.Fatalf("cancel sweeps = %d, want 1", v.cancelCalls)
	}
	if len(v.placed) != 2 {
		t.Fatalf("closing orders = %d, want 2", len(v.placed))
	}
	for _, req := range v.placed {
		switch req.Symbol {
		case "AAPL":
			if req.Side != broker.Sell || req.Qty != 10 {
				t.Fatalf("long close = %+v", req)
			}
		case "MSFT":
			if req.Side != broker.Buy || req.Qty != 5 {
				t.Fatalf("short close = %+v", req)
			}
		}
	}
	for _, vr := range res.Venues {
		for _, out := range vr.Positions {
			if out.Status != "close_ordered" {
				t.Fatalf("outcome = %+v", out)
			}
		}
	}
	if !p.Triggered() {
		t.Fatal("protocol not marked triggered")
	}
}

func TestConcurrentTriggersRunOnce(t *testing.T) {
	v := &flattenVenue{
		name:      "stocks",
		positions: []broker.Position{{Symbol: "AAPL", Qty: 10}},
	}
	p := NewProtocol(map[string]broker.Venue{"stocks": v}, nil, nil, logging.Nop())

	const callers = 16
	results := make([]Result, callers)
	var wg sync.WaitGroup
	var started atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Add(1)
			results[i] = p.Trigger(context.Background(), "heartbeat timeout: stocks_loop")
		}(i)
	}
	wg.Wait()

	if v.cancelCalls != 1 || len(v.placed) != 1 {
		t.Fatalf("protocol ran %d cancel sweeps and %d closes, want 1 and 1", v.cancelCalls, len(v.placed))
	}
	for i := 1; i < callers; i++ {
		if results[i].Timestamp != results[0].Timestamp || results[i].Status != results[0].Status {
			t.Fatalf("caller %d got a different result: %+v vs %+v", i, results[i], results[0])
		}
	}
}

func TestPartialFailureReported(t *testing.T) {
	v := &flattenVenue{
		name: "stocks",
		positions: []broker.Position{
			{Symbol: "AAPL", Qty: 10},
			{Symbol: "MSFT", Qty: 3},
		},
		placeErr: map[string]error{"MSFT": &broker.VenueError{Code: 500, Message: "venue down"}},
	}
	p := NewProtocol(map[string]broker.Venue{"stocks": v}, nil, nil, logging.Nop())

	res := p.Trigger(context.Background(), "drawdown halt")
	if res.Status != "completed_with_errors" {
		t.Fatalf("status = %s", res.Status)
	}
	var good, bad int
	for _, out := range res.Venues[0].Positions {
		switch out.Status {
		case "close_ordered":
			good++
		case "error":
			bad++
			if out.Error == "" {
				t.Fatal("error outcome without message")
			}
		}
	}
	if good != 1 || bad != 1 {
		t.Fatalf("outcomes good=%d bad=%d", good, bad)
	}
}

func TestResetRearms(t *testing.T) {
	v := &flattenVenue{
		name:      "stocks",
		positions: []broker.Position{{Symbol: "AAPL", Qty: 10}},
	}
	p := NewProtocol(map[string]broker.Venue{"stocks": v}, nil, nil, logging.Nop())

	p.Trigger(context.Background(), "first")
	p.Reset()
	if p.Triggered() {
		t.Fatal("still triggered after reset")
	}
	if _, ok := p.LastResult(); ok {
		t.Fatal("result survived reset")
	}

	p.Trigger(context.Background(), "second")
	if v.cancelCalls != 2 {
		t.Fatalf("cancel sweeps = %d, want 2 after reset", v.cancelCalls)
	}
}
