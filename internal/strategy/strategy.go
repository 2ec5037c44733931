package strategy

import (
	"marlin/internal/broker"
	"marlin/internal/market"
)

// View is the read-only slice of session state a strategy may see. Decide
// must be pure: no side effects, no retained references.
type View struct {
	Closes   []float64
	Position *broker.Position
	Equity   float64
}

// Strategy is the external decision collaborator. It is called synchronously
// on every closed candle; a nil return means no action.
type Strategy interface {
	Name() string
	// WarmupBars is the number of closed bars the strategy wants before its
	// first decision is trustworthy.
	WarmupBars() int
	Decide(view View, c market.Candle) *broker.OrderIntent
}
