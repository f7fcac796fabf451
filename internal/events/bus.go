// Package events is the outbound event bus. Every surface-facing payload
// flows through here as a typed event; subscribers get bounded queues and
// slow consumers lose their oldest events rather than stalling the engine.
package events

import (
	"sync"
	"time"

	"equity-trading-engine/internal/metrics"
)

// EventType tags the payload shape of an event.
type EventType string

const (
	EventSystemStatus     EventType = "system_status"
	EventMarketAnalysis   EventType = "market_analysis"
	EventPositionsUpdate  EventType = "positions_update"
	EventPortfolioUpdate  EventType = "portfolio_update"
	EventOrderUpdate      EventType = "order_update"
	EventAccountData      EventType = "account_data"
	EventProfitTargets    EventType = "profit_targets"
	EventActivityLog      EventType = "activity_log"
	EventOperational      EventType = "operational_event"
	EventProcessingStatus EventType = "processing_status"
)

// Event is one outbound message. Data must be JSON-marshalable.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is one consumer's bounded queue.
type Subscription struct {
	ch     chan Event
	bus    *Bus
	closed bool
}

// C is the receive side of the queue.
func (s *Subscription) C() <-chan Event { return s.ch }

// Bus fans published events out to every subscription.
type Bus struct {
	metrics *metrics.Metrics
	depth   int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	now func() time.Time
}

// NewBus builds a bus whose subscriptions buffer up to depth events.
func NewBus(depth int, m *metrics.Metrics) *Bus {
	if depth <= 0 {
		depth = 256
	}
	return &Bus{
		metrics: m,
		depth:   depth,
		subs:    make(map[*Subscription]struct{}),
		now:     time.Now,
	}
}

// Subscribe adds a consumer. The caller must Unsubscribe when done.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan Event, b.depth), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the consumer and closes its queue.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.closed = true
	close(s.ch)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers the event to every subscription without blocking. A full
// queue sheds its oldest event to make room; drops are counted, never silent.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- event:
			continue
		default:
		}
		// Queue full: shed the oldest, then retry once.
		select {
		case <-s.ch:
			if b.metrics != nil {
				b.metrics.EventsDropped.Inc()
			}
		default:
		}
		select {
		case s.ch <- event:
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.Inc()
			}
		}
	}
}

// PublishSystemStatus publishes engine lifecycle and health state.
func (b *Bus) PublishSystemStatus(data map[string]interface{}) {
	b.Publish(Event{Type: EventSystemStatus, Data: data})
}

// PublishMarketAnalysis publishes the current regime classification.
func (b *Bus) PublishMarketAnalysis(regime string, confidence, vix, breadth float64) {
	b.Publish(Event{Type: EventMarketAnalysis, Data: map[string]interface{}{
		"regime":     regime,
		"confidence": confidence,
		"vix":        vix,
		"breadth":    breadth,
	}})
}

// PublishPositions publishes the open position snapshot.
func (b *Bus) PublishPositions(positions []map[string]interface{}) {
	b.Publish(Event{Type: EventPositionsUpdate, Data: map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	}})
}

// PublishPortfolio publishes account-level equity state.
func (b *Bus) PublishPortfolio(equity, cash, buyingPower, peakEquity float64) {
	b.Publish(Event{Type: EventPortfolioUpdate, Data: map[string]interface{}{
		"equity":       equity,
		"cash":         cash,
		"buying_power": buyingPower,
		"peak_equity":  peakEquity,
	}})
}

// PublishOrderUpdate publishes one order submission outcome.
func (b *Bus) PublishOrderUpdate(symbol, side, status, orderID string, qty, price float64) {
	b.Publish(Event{Type: EventOrderUpdate, Data: map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"status":   status,
		"order_id": orderID,
		"qty":      qty,
		"price":    price,
	}})
}

// PublishAccountData publishes the raw account snapshot.
func (b *Bus) PublishAccountData(data map[string]interface{}) {
	b.Publish(Event{Type: EventAccountData, Data: data})
}

// PublishProfitTargets publishes stop and target levels for one position.
func (b *Bus) PublishProfitTargets(symbol string, stop, target, highWaterMark float64) {
	b.Publish(Event{Type: EventProfitTargets, Data: map[string]interface{}{
		"symbol":          symbol,
		"stop_loss":       stop,
		"take_profit":     target,
		"high_water_mark": highWaterMark,
	}})
}

// PublishActivity publishes one human-readable activity line.
func (b *Bus) PublishActivity(source, message string) {
	b.Publish(Event{Type: EventActivityLog, Data: map[string]interface{}{
		"source":  source,
		"message": message,
	}})
}

// PublishOperational publishes an operational state change such as a breaker
// trip or an emergency trigger.
func (b *Bus) PublishOperational(kind string, detail map[string]interface{}) {
	data := map[string]interface{}{"kind": kind}
	for k, v := range detail {
		data[k] = v
	}
	b.Publish(Event{Type: EventOperational, Data: data})
}

// PublishProcessingStatus publishes per-tick progress for one venue loop.
func (b *Bus) PublishProcessingStatus(venue string, symbolsScanned, signals, exits int) {
	b.Publish(Event{Type: EventProcessingStatus, Data: map[string]interface{}{
		"venue":           venue,
		"symbols_scanned": symbolsScanned,
		"signals":         signals,
		"exits":           exits,
	}})
}
