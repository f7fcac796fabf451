package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SimVenue is an in-memory venue for simulation mode. Market data is proxied
// through a real data source while orders fill instantly against the latest
// price, so every decision path stays live without touching the real account.
type SimVenue struct {
	mu sync.Mutex

	data      Venue // market data pass-through, may be nil in tests
	logger    zerolog.Logger
	cash      float64
	positions map[string]*Position
	open      map[string]Order
	fills     []Order
	lastPx    map[string]float64

	now func() time.Time
}

// NewSimVenue builds a simulated venue with the given starting cash. data
// provides real bars and the clock; pass nil to feed prices manually with
// SetPrice.
func NewSimVenue(data Venue, startingCash float64, logger zerolog.Logger) *SimVenue {
	return &SimVenue{
		data:      data,
		logger:    logger.With().Str("component", "sim_venue").Logger(),
		cash:      startingCash,
		positions: make(map[string]*Position),
		open:      make(map[string]Order),
		lastPx:    make(map[string]float64),
		now:       time.Now,
	}
}

func (v *SimVenue) Name() string { return "sim" }

// SetPrice seeds a fill price for tests running without a data source.
func (v *SimVenue) SetPrice(symbol string, px float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastPx[symbol] = px
}

func (v *SimVenue) price(ctx context.Context, symbol string) (float64, error) {
	if v.data != nil {
		bar, err := v.data.LatestBar(ctx, symbol)
		if err == nil {
			v.mu.Lock()
			v.lastPx[symbol] = bar.Close
			v.mu.Unlock()
			return bar.Close, nil
		}
	}
	v.mu.Lock()
	px, ok := v.lastPx[symbol]
	v.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("sim: no price for %s: %w", symbol, ErrNotFound)
	}
	return px, nil
}

func (v *SimVenue) LatestBar(ctx context.Context, symbol string) (Bar, error) {
	if v.data != nil {
		return v.data.LatestBar(ctx, symbol)
	}
	px, err := v.price(ctx, symbol)
	if err != nil {
		return Bar{}, err
	}
	return Bar{Timestamp: v.now(), Open: px, High: px, Low: px, Close: px}, nil
}

func (v *SimVenue) HistoryBars(ctx context.Context, symbol string, n int, tf Timeframe) ([]Bar, error) {
	if v.data != nil {
		return v.data.HistoryBars(ctx, symbol, n, tf)
	}
	return nil, fmt.Errorf("sim: no history source: %w", ErrNotFound)
}

func (v *SimVenue) GetClock(ctx context.Context) (Clock, error) {
	if v.data != nil {
		return v.data.GetClock(ctx)
	}
	now := v.now()
	return Clock{IsOpen: true, Timestamp: now, NextClose: now.Add(4 * time.Hour)}, nil
}

func (v *SimVenue) GetAccount(ctx context.Context) (Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	equity := v.cash
	for sym, p := range v.positions {
		px := v.lastPx[sym]
		if px == 0 {
			px = p.AvgEntryPrice
		}
		equity += p.Qty * px
	}
	return Account{
		Equity:      equity,
		LastEquity:  equity,
		Cash:        v.cash,
		BuyingPower: v.cash,
		Status:      "ACTIVE",
	}, nil
}

func (v *SimVenue) ListPositions(ctx context.Context) ([]Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Position, 0, len(v.positions))
	for sym, p := range v.positions {
		cp := *p
		if px := v.lastPx[sym]; px > 0 {
			cp.MarketValue = cp.Qty * px
			cp.UnrealizedPL = cp.Qty * (px - cp.AvgEntryPrice)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (v *SimVenue) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Order, 0, len(v.open))
	for _, o := range v.open {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

// fill applies an instant fill at the current price and updates cash and
// position book.
func (v *SimVenue) fill(ctx context.Context, symbol string, qty float64, side Side, clientID string) (Order, error) {
	if err := validateQty(qty); err != nil {
		return Order{}, err
	}
	px, err := v.price(ctx, symbol)
	if err != nil {
		return Order{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	signed := qty
	if side == Sell {
		signed = -qty
	}
	cost := signed * px
	if cost > 0 && cost > v.cash {
		return Order{}, &VenueError{Code: 403, Message: "insufficient buying power"}
	}

	pos := v.positions[symbol]
	if pos == nil {
		pos = &Position{Symbol: symbol}
		v.positions[symbol] = pos
	}
	newQty := pos.Qty + signed
	if (pos.Qty >= 0) == (signed >= 0) && pos.Qty != 0 {
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + px*signed) / newQty
	} else if pos.Qty == 0 {
		pos.AvgEntryPrice = px
	}
	pos.Qty = newQty
	if pos.Qty == 0 {
		delete(v.positions, symbol)
	}
	v.cash -= cost

	order := Order{
		ID:            uuid.NewString(),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Qty:           qty,
		FilledQty:     qty,
		FilledPrice:   px,
		Side:          side,
		Type:          "market",
		Status:        "filled",
		CreatedAt:     v.now(),
	}
	v.fills = append(v.fills, order)
	v.logger.Debug().Str("symbol", symbol).Float64("qty", qty).
		Str("side", string(side)).Float64("price", px).Msg("simulated fill")
	return order, nil
}

func (v *SimVenue) PlaceMarket(ctx context.Context, req MarketOrderRequest) (Order, error) {
	return v.fill(ctx, req.Symbol, req.Qty, req.Side, req.ClientOrderID)
}

// PlaceLimit fills immediately at the limit price. Resting limit book
// simulation is not attempted.
func (v *SimVenue) PlaceLimit(ctx context.Context, req LimitOrderRequest) (Order, error) {
	v.mu.Lock()
	v.lastPx[req.Symbol] = req.Limit
	v.mu.Unlock()
	return v.fill(ctx, req.Symbol, req.Qty, req.Side, req.ClientOrderID)
}

func (v *SimVenue) PlaceBracket(ctx context.Context, req BracketOrderRequest) (BracketResult, error) {
	order, err := v.fill(ctx, req.Symbol, req.Qty, req.Side, req.ClientOrderID)
	if err != nil {
		return BracketResult{}, err
	}
	// The sim has no venue-side legs; protection is always client-side.
	return BracketResult{
		Order:                     order,
		Success:                   true,
		HasBracketProtection:      false,
		NeedsClientSideMonitoring: true,
	}, nil
}

func (v *SimVenue) CancelOrder(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.open[id]; !ok {
		return ErrNotFound
	}
	delete(v.open, id)
	return nil
}

func (v *SimVenue) CancelAll(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = make(map[string]Order)
	return nil
}

func (v *SimVenue) CloseAll(ctx context.Context, cancelPending bool) ([]ClosedPosition, error) {
	if cancelPending {
		_ = v.CancelAll(ctx)
	}
	positions, _ := v.ListPositions(ctx)
	out := make([]ClosedPosition, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty
		side := Sell
		if qty < 0 {
			qty = -qty
			side = Buy
		}
		cp := ClosedPosition{Symbol: p.Symbol, Qty: qty}
		if _, err := v.fill(ctx, p.Symbol, qty, side, ""); err != nil {
			cp.Status = "failed"
			cp.Error = err.Error()
		} else {
			cp.Status = "closed"
		}
		out = append(out, cp)
	}
	return out, nil
}

// Fills returns the fill log for inspection.
func (v *SimVenue) Fills() []Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Order, len(v.fills))
	copy(out, v.fills)
	return out
}
