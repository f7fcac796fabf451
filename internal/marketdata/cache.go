// Package marketdata provides a read-through TTL cache over the venue's data
// operations, plus a local market calendar used when the venue clock is
// unreachable.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
)

type cacheEntry struct {
	value     interface{}
	fetchedAt time.Time
}

// Cache is a read-through cache keyed by (symbol, kind, timeframe). Expired
// entries are kept around: on upstream failure the most recent stale value is
// served with the fallback flag set, so one venue hiccup does not blind every
// consumer at once.
type Cache struct {
	source broker.Venue
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry

	clockTTL   time.Duration
	latestTTL  time.Duration
	historyTTL time.Duration

	now func() time.Time
}

// New builds a cache over source. latestTTL should match the engine tick
// interval so every tick sees at most one venue call per symbol.
func New(source broker.Venue, latestTTL time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		source:     source,
		logger:     logger.With().Str("component", "marketdata").Logger(),
		entries:    make(map[string]cacheEntry),
		clockTTL:   60 * time.Second,
		latestTTL:  latestTTL,
		historyTTL: 60 * time.Second,
		now:        time.Now,
	}
}

func (c *Cache) lookup(key string, ttl time.Duration) (interface{}, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	fresh := c.now().Sub(e.fetchedAt) < ttl
	return e.value, true, fresh
}

func (c *Cache) store(key string, v interface{}) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: v, fetchedAt: c.now()}
	c.mu.Unlock()
}

// get runs the read-through: fresh hit, else fetch, else stale fallback.
func (c *Cache) get(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (interface{}, error)) (interface{}, bool, error) {
	if v, ok, fresh := c.lookup(key, ttl); ok && fresh {
		return v, false, nil
	}
	v, err := fetch(ctx)
	if err == nil {
		c.store(key, v)
		return v, false, nil
	}
	if stale, ok, _ := c.lookup(key, ttl); ok {
		c.logger.Warn().Str("key", key).Err(err).Msg("serving stale entry after fetch failure")
		return stale, true, nil
	}
	return nil, false, err
}

// LatestBar returns the most recent bar for symbol. fallback is true when the
// venue failed and a stale cached bar was served instead.
func (c *Cache) LatestBar(ctx context.Context, symbol string) (broker.Bar, bool, error) {
	v, fallback, err := c.get(ctx, "latest:"+symbol, c.latestTTL, func(ctx context.Context) (interface{}, error) {
		return c.source.LatestBar(ctx, symbol)
	})
	if err != nil {
		return broker.Bar{}, false, err
	}
	return v.(broker.Bar), fallback, nil
}

// LatestPrice is LatestBar reduced to its close.
func (c *Cache) LatestPrice(ctx context.Context, symbol string) (float64, bool, error) {
	bar, fallback, err := c.LatestBar(ctx, symbol)
	if err != nil {
		return 0, false, err
	}
	return bar.Close, fallback, nil
}

// HistoryBars returns the last n bars for symbol at tf. Results are cached
// per (symbol, n, tf).
func (c *Cache) HistoryBars(ctx context.Context, symbol string, n int, tf broker.Timeframe) ([]broker.Bar, bool, error) {
	key := fmt.Sprintf("history:%s:%d:%s", symbol, n, tf)
	v, fallback, err := c.get(ctx, key, c.historyTTL, func(ctx context.Context) (interface{}, error) {
		return c.source.HistoryBars(ctx, symbol, n, tf)
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]broker.Bar), fallback, nil
}

// Clock returns the venue clock, falling back first to a stale cached clock
// and finally to the local New York calendar.
func (c *Cache) Clock(ctx context.Context) (broker.Clock, bool, error) {
	v, fallback, err := c.get(ctx, "clock", c.clockTTL, func(ctx context.Context) (interface{}, error) {
		return c.source.GetClock(ctx)
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("venue clock unavailable, using local calendar")
		return FallbackClock(c.now()), true, nil
	}
	return v.(broker.Clock), fallback, nil
}

// Invalidate drops every cached entry for symbol.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key == "latest:"+symbol || strings.HasPrefix(key, "history:"+symbol+":") {
			delete(c.entries, key)
		}
	}
}

// Size returns the entry count, for status reporting.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
