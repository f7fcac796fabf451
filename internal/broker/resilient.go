package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/metrics"
)

// Gateway wraps a Venue with the resilience chain: operation timing, the
// local rate limiter, bounded retries with exponential backoff, and the
// circuit breaker. Every attempt passes through the breaker so a flapping
// venue trips it even mid-retry. Gateway itself satisfies Venue, so the rest
// of the engine never knows whether it talks to a raw or a wrapped venue.
type Gateway struct {
	venue   Venue
	limiter *RateLimiter
	breaker *Breaker
	metrics *metrics.Metrics
	logger  zerolog.Logger

	attempts  int
	baseDelay time.Duration
	readTO    time.Duration
	writeTO   time.Duration
}

// NewGateway wraps venue with the chain configured by cfg.
func NewGateway(venue Venue, cfg config.BrokerConfig, m *metrics.Metrics, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		venue:     venue,
		limiter:   NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitTimeout),
		breaker:   NewBreaker(cfg.BreakerWindow, cfg.BreakerThreshold, cfg.BreakerOpenFor, cfg.BreakerProbes),
		metrics:   m,
		logger:    logger.With().Str("component", "broker_gateway").Str("venue", venue.Name()).Logger(),
		attempts:  cfg.RetryAttempts,
		baseDelay: cfg.RetryBaseDelay,
		readTO:    cfg.ReadTimeout,
		writeTO:   cfg.WriteTimeout,
	}
	g.breaker.OnTrip = func(rate float64) {
		g.logger.Error().Float64("failure_rate", rate).Msg("circuit breaker tripped")
		m.BreakerTransitions.WithLabelValues("open").Inc()
	}
	g.breaker.OnReset = func() {
		g.logger.Info().Msg("circuit breaker reset")
		m.BreakerTransitions.WithLabelValues("closed").Inc()
	}
	return g
}

// Breaker exposes the breaker for status reporting.
func (g *Gateway) Breaker() *Breaker { return g.breaker }

// Limiter exposes the rate limiter for status reporting.
func (g *Gateway) Limiter() *RateLimiter { return g.limiter }

func (g *Gateway) Name() string { return g.venue.Name() }

// do runs fn through the full chain. Write operations get the longer timeout
// because order placement is the one thing worth waiting for.
func (g *Gateway) do(ctx context.Context, op string, write bool, fn func(ctx context.Context) error) error {
	timer := time.Now()
	err := g.execute(ctx, op, write, fn)
	g.metrics.BrokerOpDuration.WithLabelValues(op).Observe(time.Since(timer).Seconds())
	if err != nil {
		g.metrics.BrokerOpErrors.WithLabelValues(op, errorKind(err)).Inc()
	}
	return err
}

func (g *Gateway) execute(ctx context.Context, op string, write bool, fn func(ctx context.Context) error) error {
	timeout := g.readTO
	if write {
		timeout = g.writeTO
	}

	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			g.metrics.BrokerRetries.Inc()
			delay := g.baseDelay << uint(attempt-1)
			g.logger.Warn().Str("op", op).Int("attempt", attempt+1).
				Dur("backoff", delay).Err(lastErr).Msg("retrying venue call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := g.limiter.Acquire(ctx); err != nil {
			if errors.Is(err, ErrRateLimited) {
				g.metrics.BrokerRateLimited.Inc()
			}
			lastErr = err
			if !Retryable(err) {
				return err
			}
			continue
		}

		if !g.breaker.Allow() {
			return ErrBreakerOpen
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()
		g.breaker.Record(err)
		if err == nil {
			return nil
		}

		var ve *VenueError
		if errors.As(err, &ve) && ve.Code == 429 {
			g.limiter.MarkLimited()
			g.metrics.BrokerRateLimited.Inc()
		}
		lastErr = err
		if !Retryable(err) {
			return err
		}
	}
	return lastErr
}

func (g *Gateway) LatestBar(ctx context.Context, symbol string) (Bar, error) {
	var out Bar
	err := g.do(ctx, "latest_bar", false, func(ctx context.Context) error {
		var err error
		out, err = g.venue.LatestBar(ctx, symbol)
		return err
	})
	return out, err
}

func (g *Gateway) HistoryBars(ctx context.Context, symbol string, n int, tf Timeframe) ([]Bar, error) {
	var out []Bar
	err := g.do(ctx, "history_bars", false, func(ctx context.Context) error {
		var err error
		out, err = g.venue.HistoryBars(ctx, symbol, n, tf)
		return err
	})
	return out, err
}

func (g *Gateway) GetClock(ctx context.Context) (Clock, error) {
	var out Clock
	err := g.do(ctx, "clock", false, func(ctx context.Context) error {
		var err error
		out, err = g.venue.GetClock(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) GetAccount(ctx context.Context) (Account, error) {
	var out Account
	err := g.do(ctx, "account", false, func(ctx context.Context) error {
		var err error
		out, err = g.venue.GetAccount(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) ListPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := g.do(ctx, "positions", false, func(ctx context.Context) error {
		var err error
		out, err = g.venue.ListPositions(ctx)
		return err
	})
	return out, err
}

func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var out []Order
	err := g.do(ctx, "open_orders", false, func(ctx context.Context) error {
		var err error
		out, err = g.venue.OpenOrders(ctx, symbol)
		return err
	})
	return out, err
}

func (g *Gateway) PlaceMarket(ctx context.Context, req MarketOrderRequest) (Order, error) {
	var out Order
	err := g.do(ctx, "place_market", true, func(ctx context.Context) error {
		var err error
		out, err = g.venue.PlaceMarket(ctx, req)
		return err
	})
	return out, err
}

func (g *Gateway) PlaceLimit(ctx context.Context, req LimitOrderRequest) (Order, error) {
	var out Order
	err := g.do(ctx, "place_limit", true, func(ctx context.Context) error {
		var err error
		out, err = g.venue.PlaceLimit(ctx, req)
		return err
	})
	return out, err
}

func (g *Gateway) PlaceBracket(ctx context.Context, req BracketOrderRequest) (BracketResult, error) {
	var out BracketResult
	err := g.do(ctx, "place_bracket", true, func(ctx context.Context) error {
		var err error
		out, err = g.venue.PlaceBracket(ctx, req)
		return err
	})
	return out, err
}

func (g *Gateway) CancelOrder(ctx context.Context, id string) error {
	return g.do(ctx, "cancel_order", true, func(ctx context.Context) error {
		return g.venue.CancelOrder(ctx, id)
	})
}

func (g *Gateway) CancelAll(ctx context.Context) error {
	return g.do(ctx, "cancel_all", true, func(ctx context.Context) error {
		return g.venue.CancelAll(ctx)
	})
}

func (g *Gateway) CloseAll(ctx context.Context, cancelPending bool) ([]ClosedPosition, error) {
	var out []ClosedPosition
	err := g.do(ctx, "close_all", true, func(ctx context.Context) error {
		var err error
		out, err = g.venue.CloseAll(ctx, cancelPending)
		return err
	})
	return out, err
}

// Status reports the health of the chain for the control surface.
func (g *Gateway) Status() map[string]interface{} {
	return map[string]interface{}{
		"venue":              g.venue.Name(),
		"circuit_breaker":    g.breaker.Status(),
		"requests_in_window": g.limiter.InFlight(),
	}
}
