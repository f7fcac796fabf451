// Package strategy turns price history into trading signals. One strategy is
// active per regime; the engine dispatches through a table rather than a
// type hierarchy, and the indicator math lives in the shared kernel.
package strategy

import (
	"time"
)

// Action is the signal variant.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal is a trading decision. It always names the strategy that produced
// it and carries a human-readable reason; a bare action with no context is
// never emitted.
type Signal struct {
	Action    Action    `json:"action"`
	Reason    string    `json:"reason"`
	Strategy  string    `json:"strategy"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Buy constructs a buy signal.
func Buy(reason string) Signal { return Signal{Action: ActionBuy, Reason: reason} }

// Sell constructs a sell signal.
func Sell(reason string) Signal { return Signal{Action: ActionSell, Reason: reason} }

// Hold constructs a hold signal.
func Hold(reason string) Signal { return Signal{Action: ActionHold, Reason: reason} }

// Input is the snapshot a strategy evaluates. Closes are oldest first.
type Input struct {
	Symbol      string
	Price       float64
	PositionQty float64
	Closes      []float64
}

// Strategy evaluates one symbol snapshot into a signal. Implementations are
// stateless; everything they need arrives in the input.
type Strategy interface {
	Name() string
	Evaluate(in Input) Signal
}
