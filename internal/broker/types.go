// Package broker is the gateway to the brokerage venues. It exposes typed,
// venue-independent operations and converts every transport failure into a
// typed error at this boundary; nothing above it sees raw HTTP.
package broker

import (
	"context"
	"time"
)

// Timeframe identifies a bar aggregation window.
type Timeframe string

const (
	TF15Min Timeframe = "15Min"
	TF1Hour Timeframe = "1Hour"
	TF1Day  Timeframe = "1Day"
)

// Side is the order side.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the closing side for a holding on this side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TimeInForce controls order lifetime at the venue.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// Bar is one OHLCV candle. Immutable once produced.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Clock is the venue market clock.
type Clock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
	Timestamp time.Time `json:"timestamp"`
}

// Account is a snapshot of the trading account.
type Account struct {
	Equity        float64 `json:"equity"`
	LastEquity    float64 `json:"last_equity"`
	Cash          float64 `json:"cash"`
	BuyingPower   float64 `json:"buying_power"`
	DayTradeCount int     `json:"day_trade_count"`
	Status        string  `json:"status"`
}

// Position is a holding as reported by the venue.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"` // negative for short
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
}

// Order is the venue's view of an order.
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Qty           float64   `json:"qty"`
	FilledQty     float64   `json:"filled_qty"`
	FilledPrice   float64   `json:"filled_price"`
	Side          Side      `json:"side"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// MarketOrderRequest places an order at the current market price.
type MarketOrderRequest struct {
	Symbol        string
	Qty           float64
	Side          Side
	TIF           TimeInForce
	ClientOrderID string
}

// LimitOrderRequest places an order at a limit price.
type LimitOrderRequest struct {
	Symbol        string
	Qty           float64
	Side          Side
	Limit         float64
	TIF           TimeInForce
	ClientOrderID string
}

// BracketOrderRequest places an entry plus venue-managed stop-loss and
// take-profit legs. EntryLimit of zero means a market entry; StopLimit of
// zero means a plain stop leg.
type BracketOrderRequest struct {
	Symbol        string
	Qty           float64
	Side          Side
	TakeProfit    float64
	StopLoss      float64
	StopLimit     float64
	EntryLimit    float64
	ClientOrderID string
}

// BracketResult reports whether the venue accepted the protective legs. The
// venue cannot attach brackets to fractional quantities; in that case the
// entry still goes through and NeedsClientSideMonitoring tells the exit
// engine it owns the stop and target.
type BracketResult struct {
	Order                     Order `json:"order"`
	Success                   bool  `json:"success"`
	HasBracketProtection      bool  `json:"has_bracket_protection"`
	NeedsClientSideMonitoring bool  `json:"needs_client_side_monitoring"`
}

// ClosedPosition reports one leg of a close-all sweep.
type ClosedPosition struct {
	Symbol string  `json:"symbol"`
	Qty    float64 `json:"qty"`
	Status string  `json:"status"`
	Error  string  `json:"error,omitempty"`
}

// Venue is the set of semantic operations the engine needs from a brokerage.
// Implementations must be safe for concurrent use.
type Venue interface {
	Name() string

	LatestBar(ctx context.Context, symbol string) (Bar, error)
	HistoryBars(ctx context.Context, symbol string, n int, tf Timeframe) ([]Bar, error)
	GetClock(ctx context.Context) (Clock, error)
	GetAccount(ctx context.Context) (Account, error)
	ListPositions(ctx context.Context) ([]Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	PlaceMarket(ctx context.Context, req MarketOrderRequest) (Order, error)
	PlaceLimit(ctx context.Context, req LimitOrderRequest) (Order, error)
	PlaceBracket(ctx context.Context, req BracketOrderRequest) (BracketResult, error)
	CancelOrder(ctx context.Context, id string) error
	CancelAll(ctx context.Context) error
	CloseAll(ctx context.Context, cancelPending bool) ([]ClosedPosition, error)
}

// IsFractional reports whether qty cannot be expressed in whole shares.
func IsFractional(qty float64) bool {
	return qty != float64(int64(qty))
}
