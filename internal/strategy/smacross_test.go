package strategy

import (
	"testing"

	"marlin/internal/broker"
	"marlin/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viewFromCloses(closes []float64, pos *broker.Position) View {
	return View{Closes: closes, Position: pos, Equity: 10_000}
}

func TestSMACrossEntersOnCrossUp(t *testing.T) {
	s := NewSMACross(2, 4, 1)
	// Falling then sharply rising series: fast crosses above slow on the
	// final bar.
	closes := []float64{110, 108, 106, 104, 102, 100, 98, 96, 120}
	intent := s.Decide(viewFromCloses(closes, nil), market.Candle{Close: closes[len(closes)-1]})
	require.NotNil(t, intent)
	assert.Equal(t, broker.SideLong, intent.Side)
	assert.Equal(t, broker.EntryMarket, intent.Entry)
	assert.NotEmpty(t, intent.ClientID)
}

func TestSMACrossExitsOnCrossDown(t *testing.T) {
	s := NewSMACross(2, 4, 1)
	closes := []float64{100, 102, 104, 106, 108, 110, 112, 114, 80}
	pos := &broker.Position{State: broker.PositionOpen, Side: broker.SideLong, Qty: 1}
	intent := s.Decide(viewFromCloses(closes, pos), market.Candle{Close: closes[len(closes)-1]})
	require.NotNil(t, intent)
	assert.True(t, intent.ReduceOnly)
	assert.Equal(t, 1.0, intent.Qty)
}

func TestSMACrossNilBeforeWarmup(t *testing.T) {
	s := NewSMACross(2, 4, 1)
	assert.Nil(t, s.Decide(viewFromCloses([]float64{100, 101}, nil), market.Candle{Close: 101}))
}

func TestSeedPolicyReducedWindowWarning(t *testing.T) {
	p := SeedPolicy{MinBars: 10, HardMinBars: 5}
	history := make([]market.Candle, 7)
	for i := range history {
		history[i] = market.Candle{OpenTime: int64(i+1) * 60_000, Open: 100, High: 100, Low: 100, Close: 100}
	}
	out, err := p.Evaluate(history, 60_000)
	require.NoError(t, err)
	assert.Len(t, out, 7)
}

func TestSeedPolicyHardMinimumWithoutFallback(t *testing.T) {
	p := SeedPolicy{MinBars: 10, HardMinBars: 5}
	history := make([]market.Candle, 2)
	for i := range history {
		history[i] = market.Candle{OpenTime: int64(i+1) * 60_000, Open: 100, High: 100, Low: 100, Close: 100}
	}
	_, err := p.Evaluate(history, 60_000)
	assert.ErrorIs(t, err, ErrSeedBelowHardMinimum)
}

func TestSeedPolicySyntheticPaddingWhenPermitted(t *testing.T) {
	p := SeedPolicy{MinBars: 10, HardMinBars: 5, AllowSyntheticSeed: true}
	history := []market.Candle{{OpenTime: 600_000, Open: 100, High: 101, Low: 99, Close: 100}}
	out, err := p.Evaluate(history, 60_000)
	require.NoError(t, err)
	require.Len(t, out, 5)
	// Synthetic bars precede the real one with strictly increasing times.
	for i := 1; i < len(out); i++ {
		assert.Greater(t, out[i].OpenTime, out[i-1].OpenTime)
	}
	assert.Equal(t, 0.0, out[0].Volume)
}
