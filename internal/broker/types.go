package broker

import (
	"context"

	"marlin/internal/market"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type EntryType string

const (
	EntryMarket EntryType = "MARKET"
	EntryLimit  EntryType = "LIMIT"
)

// OrderIntent is the strategy's desired trade before risk checks. ClientID
// is the idempotency key; a duplicate inside the retention window is
// rejected without re-execution.
type OrderIntent struct {
	ClientID    string    `json:"client_id"`
	Side        Side      `json:"side"`
	Qty         float64   `json:"qty"`
	Entry       EntryType `json:"entry"`
	LimitPrice  float64   `json:"limit_price,omitempty"`
	Stop        float64   `json:"stop,omitempty"`
	Target      float64   `json:"target,omitempty"`
	TrailingPct float64   `json:"trailing_pct,omitempty"`
	ReduceOnly  bool      `json:"reduce_only,omitempty"`
}

type EventType string

const (
	EventFill     EventType = "fill"
	EventExit     EventType = "exit"
	EventRejected EventType = "rejected"
)

// Event is the broker's record of an executed entry/exit or a rejection.
type Event struct {
	Type     EventType `json:"type"`
	ClientID string    `json:"client_id,omitempty"`
	Side     Side      `json:"side,omitempty"`
	Price    float64   `json:"price"`
	Qty      float64   `json:"qty"`
	Fee      float64   `json:"fee"`
	PnL      float64   `json:"pnl,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       int64     `json:"at"`
}

// Lot is one FIFO entry fill inside a position.
type Lot struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

type PositionState string

const (
	PositionFlat   PositionState = "FLAT"
	PositionOpen   PositionState = "OPEN"
	PositionClosed PositionState = "CLOSED"
)

// Position is owned exclusively by the broker. Trailing stop state moves
// only in the favorable direction once activated.
type Position struct {
	State       PositionState `json:"state"`
	Side        Side          `json:"side"`
	Qty         float64       `json:"qty"`
	Lots        []Lot         `json:"lots"`
	Stop        float64       `json:"stop"`
	Target      float64       `json:"target"`
	TrailingPct float64       `json:"trailing_pct"`
	TrailActive bool          `json:"trail_active"`
	TrailStop   float64       `json:"trail_stop"`
	BarsOpen    int           `json:"bars_open"`
}

// AvgEntry is the volume-weighted entry price across FIFO lots.
func (p *Position) AvgEntry() float64 {
	var qty, notional float64
	for _, lot := range p.Lots {
		qty += lot.Qty
		notional += lot.Price * lot.Qty
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

// Broker converts order intents into fills/exits against the position state
// machine. Paper and live implementations share this contract.
type Broker interface {
	OnCandle(ctx context.Context, c market.Candle, intent *OrderIntent) ([]Event, error)
	OnTick(ctx context.Context, t market.Tick) ([]Event, error)
	UnrealizedPnL(price float64) float64
	CloseAll(ctx context.Context, price float64, reason string) ([]Event, error)
	// ApplyFunding charges the periodic carrying cost against the open
	// position at the given mark price and returns the amount charged
	// (negative when the position is paid). No-op when flat.
	ApplyFunding(price, rate float64) float64
	Equity() float64
	Position() *Position
	SaveState() ([]byte, error)
	LoadState(raw []byte) error
	Shutdown(ctx context.Context) error
}
