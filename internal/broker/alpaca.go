package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"equity-trading-engine/config"
)

// AlpacaVenue talks to the Alpaca trading and market-data APIs. The two
// endpoints live behind separate SDK clients but present as one venue.
type AlpacaVenue struct {
	trade  *alpaca.Client
	data   *marketdata.Client
	logger zerolog.Logger
}

// NewAlpacaVenue builds the venue from config. With Paper set and no explicit
// base URL the paper endpoint is used.
func NewAlpacaVenue(cfg config.BrokerConfig, logger zerolog.Logger) *AlpacaVenue {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Paper {
			baseURL = "https://paper-api.alpaca.markets"
		} else {
			baseURL = "https://api.alpaca.markets"
		}
	}
	return &AlpacaVenue{
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.DataURL,
		}),
		logger: logger.With().Str("component", "alpaca").Logger(),
	}
}

func (v *AlpacaVenue) Name() string { return "stocks" }

// wrapErr converts SDK failures into the package error taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, &VenueError{Code: apiErr.StatusCode, Message: apiErr.Message})
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (v *AlpacaVenue) LatestBar(ctx context.Context, symbol string) (Bar, error) {
	b, err := v.data.GetLatestBar(symbol, marketdata.GetLatestBarRequest{})
	if err != nil {
		return Bar{}, wrapErr("latest bar "+symbol, err)
	}
	return fromMDBar(*b), nil
}

func (v *AlpacaVenue) HistoryBars(ctx context.Context, symbol string, n int, tf Timeframe) ([]Bar, error) {
	mdTF, lookback := timeframeParams(tf, n)
	bars, err := v.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: mdTF,
		Start:     time.Now().Add(-lookback),
		PageLimit: 10000,
	})
	if err != nil {
		return nil, wrapErr("history bars "+symbol, err)
	}
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, fromMDBar(b))
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// timeframeParams picks the SDK timeframe and a calendar lookback wide enough
// to contain n trading bars despite weekends and holidays.
func timeframeParams(tf Timeframe, n int) (marketdata.TimeFrame, time.Duration) {
	day := 24 * time.Hour
	switch tf {
	case TF15Min:
		days := n/26 + 4 // ~26 regular-session bars per day
		return marketdata.NewTimeFrame(15, marketdata.Min), time.Duration(days) * day
	case TF1Hour:
		days := n/6 + 4
		return marketdata.NewTimeFrame(1, marketdata.Hour), time.Duration(days) * day
	default:
		days := n*2 + 10
		return marketdata.OneDay, time.Duration(days) * day
	}
}

func fromMDBar(b marketdata.Bar) Bar {
	return Bar{
		Timestamp: b.Timestamp,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    float64(b.Volume),
	}
}

func (v *AlpacaVenue) GetClock(ctx context.Context) (Clock, error) {
	c, err := v.trade.GetClock()
	if err != nil {
		return Clock{}, wrapErr("clock", err)
	}
	return Clock{
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
		Timestamp: c.Timestamp,
	}, nil
}

func (v *AlpacaVenue) GetAccount(ctx context.Context) (Account, error) {
	a, err := v.trade.GetAccount()
	if err != nil {
		return Account{}, wrapErr("account", err)
	}
	return Account{
		Equity:        a.Equity.InexactFloat64(),
		LastEquity:    a.LastEquity.InexactFloat64(),
		Cash:          a.Cash.InexactFloat64(),
		BuyingPower:   a.BuyingPower.InexactFloat64(),
		DayTradeCount: int(a.DaytradeCount),
		Status:        string(a.Status),
	}, nil
}

func (v *AlpacaVenue) ListPositions(ctx context.Context) ([]Position, error) {
	positions, err := v.trade.GetPositions()
	if err != nil {
		return nil, wrapErr("positions", err)
	}
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		pos := Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.MarketValue != nil {
			pos.MarketValue = p.MarketValue.InexactFloat64()
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPL = p.UnrealizedPL.InexactFloat64()
		}
		out = append(out, pos)
	}
	return out, nil
}

func (v *AlpacaVenue) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	req := alpaca.GetOrdersRequest{Status: "open", Limit: 500}
	if symbol != "" {
		req.Symbols = []string{symbol}
	}
	orders, err := v.trade.GetOrders(req)
	if err != nil {
		return nil, wrapErr("open orders", err)
	}
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, fromAlpacaOrder(o))
	}
	return out, nil
}

func fromAlpacaOrder(o alpaca.Order) Order {
	out := Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FilledQty:     o.FilledQty.InexactFloat64(),
		Side:          Side(o.Side),
		Type:          string(o.Type),
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

func validateQty(qty float64) error {
	if qty <= 0 {
		return &ValidationError{Field: "qty", Reason: "must be positive"}
	}
	return nil
}

func (v *AlpacaVenue) PlaceMarket(ctx context.Context, req MarketOrderRequest) (Order, error) {
	if err := validateQty(req.Qty); err != nil {
		return Order{}, err
	}
	qty := decimal.NewFromFloat(req.Qty)
	o, err := v.trade.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.TimeInForce(orDefaultTIF(req.TIF)),
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return Order{}, wrapErr("place market "+req.Symbol, err)
	}
	return fromAlpacaOrder(*o), nil
}

func (v *AlpacaVenue) PlaceLimit(ctx context.Context, req LimitOrderRequest) (Order, error) {
	if err := validateQty(req.Qty); err != nil {
		return Order{}, err
	}
	if req.Limit <= 0 {
		return Order{}, &ValidationError{Field: "limit", Reason: "must be positive"}
	}
	qty := decimal.NewFromFloat(req.Qty)
	limit := decimal.NewFromFloat(req.Limit)
	o, err := v.trade.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Limit,
		LimitPrice:    &limit,
		TimeInForce:   alpaca.TimeInForce(orDefaultTIF(req.TIF)),
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return Order{}, wrapErr("place limit "+req.Symbol, err)
	}
	return fromAlpacaOrder(*o), nil
}

// PlaceBracket submits an entry with venue-managed protective legs. The venue
// rejects brackets on fractional quantities, so those downgrade to a plain
// market entry and the caller is told to monitor the stop and target itself.
func (v *AlpacaVenue) PlaceBracket(ctx context.Context, req BracketOrderRequest) (BracketResult, error) {
	if err := validateQty(req.Qty); err != nil {
		return BracketResult{}, err
	}
	if IsFractional(req.Qty) {
		v.logger.Warn().Str("symbol", req.Symbol).Float64("qty", req.Qty).
			Msg("fractional quantity, placing market order without bracket legs")
		order, err := v.PlaceMarket(ctx, MarketOrderRequest{
			Symbol:        req.Symbol,
			Qty:           req.Qty,
			Side:          req.Side,
			ClientOrderID: req.ClientOrderID,
		})
		if err != nil {
			return BracketResult{}, err
		}
		return BracketResult{
			Order:                     order,
			Success:                   true,
			HasBracketProtection:      false,
			NeedsClientSideMonitoring: true,
		}, nil
	}

	qty := decimal.NewFromFloat(req.Qty)
	tp := decimal.NewFromFloat(req.TakeProfit)
	sl := decimal.NewFromFloat(req.StopLoss)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &tp},
		StopLoss:      &alpaca.StopLoss{StopPrice: &sl},
		ClientOrderID: req.ClientOrderID,
	}
	if req.StopLimit > 0 {
		slLimit := decimal.NewFromFloat(req.StopLimit)
		placeReq.StopLoss.LimitPrice = &slLimit
	}
	if req.EntryLimit > 0 {
		entry := decimal.NewFromFloat(req.EntryLimit)
		placeReq.Type = alpaca.Limit
		placeReq.LimitPrice = &entry
	}

	o, err := v.trade.PlaceOrder(placeReq)
	if err != nil {
		return BracketResult{}, wrapErr("place bracket "+req.Symbol, err)
	}
	return BracketResult{
		Order:                     fromAlpacaOrder(*o),
		Success:                   true,
		HasBracketProtection:      true,
		NeedsClientSideMonitoring: false,
	}, nil
}

func (v *AlpacaVenue) CancelOrder(ctx context.Context, id string) error {
	return wrapErr("cancel order "+id, v.trade.CancelOrder(id))
}

// CancelAll cancels every open order one by one and keeps going on individual
// failures.
func (v *AlpacaVenue) CancelAll(ctx context.Context) error {
	orders, err := v.OpenOrders(ctx, "")
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if err := v.trade.CancelOrder(o.ID); err != nil {
			v.logger.Error().Err(err).Str("order_id", o.ID).Str("symbol", o.Symbol).
				Msg("cancel failed")
			if firstErr == nil {
				firstErr = wrapErr("cancel order "+o.ID, err)
			}
		}
	}
	return firstErr
}

// CloseAll flattens every position with opposing market orders. Per-symbol
// failures are reported in the result, not returned, so one stuck symbol
// cannot stop the sweep.
func (v *AlpacaVenue) CloseAll(ctx context.Context, cancelPending bool) ([]ClosedPosition, error) {
	if cancelPending {
		if err := v.CancelAll(ctx); err != nil {
			v.logger.Error().Err(err).Msg("cancel-all before flatten failed, continuing")
		}
	}
	positions, err := v.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ClosedPosition, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty
		side := Sell
		if qty < 0 {
			qty = -qty
			side = Buy
		}
		cp := ClosedPosition{Symbol: p.Symbol, Qty: qty}
		if _, err := v.PlaceMarket(ctx, MarketOrderRequest{
			Symbol: p.Symbol,
			Qty:    qty,
			Side:   side,
		}); err != nil {
			cp.Status = "failed"
			cp.Error = err.Error()
		} else {
			cp.Status = "closed"
		}
		out = append(out, cp)
	}
	return out, nil
}

func orDefaultTIF(tif TimeInForce) TimeInForce {
	if tif == "" {
		return TIFDay
	}
	return tif
}
