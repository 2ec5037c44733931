package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskGuardNotionalCeiling(t *testing.T) {
	g := NewRiskGuard(RiskLimits{MaxNotional: 1000})
	err := g.Check(&OrderIntent{Side: SideLong, Qty: 1}, 999, 10_000)
	assert.NoError(t, err)
	err = g.Check(&OrderIntent{Side: SideLong, Qty: 2}, 999, 10_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notional")
}

func TestRiskGuardLeverageCeiling(t *testing.T) {
	g := NewRiskGuard(RiskLimits{MaxLeverage: 2})
	assert.NoError(t, g.Check(&OrderIntent{Qty: 1}, 100, 100))
	err := g.Check(&OrderIntent{Qty: 3}, 100, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leverage")
}

func TestRiskGuardOrderRateWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	g := NewRiskGuard(RiskLimits{MaxOrdersPerMin: 2})
	g.nowFn = func() time.Time { return now }

	require.NoError(t, g.Check(&OrderIntent{Qty: 1}, 100, 10_000))
	require.NoError(t, g.Check(&OrderIntent{Qty: 1}, 100, 10_000))
	assert.Error(t, g.Check(&OrderIntent{Qty: 1}, 100, 10_000))

	now = now.Add(61 * time.Second) // window rolls over
	assert.NoError(t, g.Check(&OrderIntent{Qty: 1}, 100, 10_000))
}
