package strategy

import (
	"github.com/google/uuid"
	talib "github.com/markcheno/go-talib"

	"marlin/internal/broker"
	"marlin/internal/market"
)

// SMACross is the reference crossover strategy: long when the fast SMA
// crosses above the slow one, exit when it crosses back under.
type SMACross struct {
	Fast     int
	Slow     int
	OrderQty float64
	StopPct  float64 // protective stop below entry, percent; 0 disables
}

func NewSMACross(fast, slow int, qty float64) *SMACross {
	if fast <= 0 {
		fast = 9
	}
	if slow <= fast {
		slow = fast * 2
	}
	if qty <= 0 {
		qty = 0.01
	}
	return &SMACross{Fast: fast, Slow: slow, OrderQty: qty}
}

func (s *SMACross) Name() string { return "sma_cross" }

func (s *SMACross) WarmupBars() int { return s.Slow + 1 }

func (s *SMACross) Decide(view View, c market.Candle) *broker.OrderIntent {
	if len(view.Closes) < s.Slow+1 {
		return nil
	}
	fast := talib.Sma(view.Closes, s.Fast)
	slow := talib.Sma(view.Closes, s.Slow)
	n := len(view.Closes)
	crossUp := fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]
	crossDown := fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]

	flat := view.Position == nil || view.Position.State != broker.PositionOpen
	switch {
	case flat && crossUp:
		intent := &broker.OrderIntent{
			ClientID: uuid.NewString(),
			Side:     broker.SideLong,
			Qty:      s.OrderQty,
			Entry:    broker.EntryMarket,
		}
		if s.StopPct > 0 {
			intent.Stop = c.Close * (1 - s.StopPct/100)
		}
		return intent
	case !flat && view.Position.Side == broker.SideLong && crossDown:
		return &broker.OrderIntent{
			ClientID:   uuid.NewString(),
			Side:       broker.SideShort,
			Qty:        view.Position.Qty,
			ReduceOnly: true,
		}
	default:
		return nil
	}
}
