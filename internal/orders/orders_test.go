package orders

import (
	"errors"
	"testing"
	"time"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/logging"
)

func TestReserveCooldown(t *testing.T) {
	v := NewValidator(5*time.Second, logging.Nop())
	now := time.Now()
	v.now = func() time.Time { return now }

	if err := v.Reserve("AAPL", broker.Buy); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := v.Reserve("AAPL", broker.Buy); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	// Other side and other symbol are independent windows.
	if err := v.Reserve("AAPL", broker.Sell); err != nil {
		t.Fatalf("opposite side blocked: %v", err)
	}
	if err := v.Reserve("MSFT", broker.Buy); err != nil {
		t.Fatalf("other symbol blocked: %v", err)
	}

	// After the cooldown the pair is accepted again.
	now = now.Add(5001 * time.Millisecond)
	if err := v.Reserve("AAPL", broker.Buy); err != nil {
		t.Fatalf("reserve after cooldown: %v", err)
	}
}

func TestReserveSpacingProperty(t *testing.T) {
	v := NewValidator(5*time.Second, logging.Nop())
	now := time.Now()
	v.now = func() time.Time { return now }

	var accepted []time.Time
	for i := 0; i < 100; i++ {
		if err := v.Reserve("AAPL", broker.Buy); err == nil {
			accepted = append(accepted, now)
		}
		now = now.Add(700 * time.Millisecond)
	}
	for i := 1; i < len(accepted); i++ {
		if gap := accepted[i].Sub(accepted[i-1]); gap < 5*time.Second {
			t.Fatalf("accepted orders %v apart, want >= cooldown", gap)
		}
	}
}

func TestValidateMarket(t *testing.T) {
	v := NewValidator(time.Second, logging.Nop())
	var rej *RejectError
	if err := v.ValidateMarket(broker.MarketOrderRequest{Symbol: "AAPL", Qty: 0, Side: broker.Buy}); !errors.As(err, &rej) {
		t.Fatalf("zero qty accepted: %v", err)
	}
	if err := v.ValidateMarket(broker.MarketOrderRequest{Qty: 1, Side: broker.Buy}); !errors.As(err, &rej) {
		t.Fatalf("empty symbol accepted: %v", err)
	}
	if err := v.ValidateMarket(broker.MarketOrderRequest{Symbol: "AAPL", Qty: 1, Side: broker.Buy}); err != nil {
		t.Fatalf("valid market order rejected: %v", err)
	}
}

func TestValidateBracket(t *testing.T) {
	v := NewValidator(time.Second, logging.Nop())
	good := broker.BracketOrderRequest{
		Symbol: "AAPL", Qty: 10, Side: broker.Buy, TakeProfit: 104, StopLoss: 98, StopLimit: 97.5,
	}
	if err := v.ValidateBracket(good); err != nil {
		t.Fatalf("valid bracket rejected: %v", err)
	}

	inverted := good
	inverted.StopLoss = 110
	if err := v.ValidateBracket(inverted); err == nil {
		t.Fatal("stop above target accepted for long")
	}

	badStopLimit := good
	badStopLimit.StopLimit = 99
	if err := v.ValidateBracket(badStopLimit); err == nil {
		t.Fatal("stop limit above stop accepted for long")
	}

	short := broker.BracketOrderRequest{
		Symbol: "AAPL", Qty: 10, Side: broker.Sell, TakeProfit: 96, StopLoss: 102,
	}
	if err := v.ValidateBracket(short); err != nil {
		t.Fatalf("valid short bracket rejected: %v", err)
	}
}

func TestClientOrderIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := ClientOrderID()
		if seen[id] {
			t.Fatalf("duplicate client order id %s", id)
		}
		seen[id] = true
	}
}
