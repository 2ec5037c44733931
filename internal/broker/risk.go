package broker

import (
	"fmt"
	"time"
)

type RiskLimits struct {
	MaxNotional     float64
	MaxLeverage     float64
	MaxOrdersPerMin int
}

// RiskGuard checks every intent against the hard ceilings before it reaches
// the broker. Limits are fixed at construction; nothing mutates them at
// runtime.
type RiskGuard struct {
	limits RiskLimits
	stamps []time.Time
	nowFn  func() time.Time
}

func NewRiskGuard(limits RiskLimits) *RiskGuard {
	return &RiskGuard{limits: limits, nowFn: time.Now}
}

// Check returns a non-nil error naming the violated ceiling. An accepted
// intent is counted toward the per-minute order window.
func (g *RiskGuard) Check(intent *OrderIntent, price, equity float64) error {
	if intent == nil {
		return fmt.Errorf("nil intent")
	}
	notional := price * intent.Qty
	if g.limits.MaxNotional > 0 && notional > g.limits.MaxNotional {
		return fmt.Errorf("notional %.2f exceeds max %.2f", notional, g.limits.MaxNotional)
	}
	if g.limits.MaxLeverage > 0 && equity > 0 && notional/equity > g.limits.MaxLeverage {
		return fmt.Errorf("leverage %.2fx exceeds max %.2fx", notional/equity, g.limits.MaxLeverage)
	}
	if g.limits.MaxOrdersPerMin > 0 {
		now := g.nowFn()
		cutoff := now.Add(-time.Minute)
		kept := g.stamps[:0]
		for _, ts := range g.stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		g.stamps = kept
		if len(g.stamps) >= g.limits.MaxOrdersPerMin {
			return fmt.Errorf("order rate %d/min exceeds max %d", len(g.stamps)+1, g.limits.MaxOrdersPerMin)
		}
		g.stamps = append(g.stamps, now)
	}
	return nil
}
