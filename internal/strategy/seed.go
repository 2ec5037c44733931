package strategy

import (
	"errors"
	"fmt"

	"marlin/internal/logger"
	"marlin/internal/market"
)

// ErrSeedBelowHardMinimum means the history is too short even for a reduced
// warm-up window and synthetic substitution is not permitted; callers retry
// with backoff rather than silently proceeding.
var ErrSeedBelowHardMinimum = errors.New("seed history below hard minimum")

type SeedPolicy struct {
	MinBars            int
	HardMinBars        int
	AllowSyntheticSeed bool
}

// Evaluate decides what to do with the fetched seed history. A short seed is
// a warning, not fatal: the session proceeds with a reduced warm-up window.
// Synthetic padding is a last resort and only when explicitly permitted.
func (p SeedPolicy) Evaluate(history []market.Candle, intervalMS int64) ([]market.Candle, error) {
	n := len(history)
	switch {
	case n >= p.MinBars:
		return history, nil
	case n >= p.HardMinBars:
		logger.Warnf("seed: only %d bars available (wanted %d), proceeding with a reduced warm-up window", n, p.MinBars)
		return history, nil
	case p.AllowSyntheticSeed && n > 0:
		logger.Warnf("seed: %d bars below hard minimum %d, padding with synthetic flat bars (explicitly permitted)", n, p.HardMinBars)
		return p.pad(history, intervalMS), nil
	default:
		return nil, fmt.Errorf("%w: have %d, need %d", ErrSeedBelowHardMinimum, n, p.HardMinBars)
	}
}

// pad prefixes flat bars cloned from the oldest real bar, stepping backwards
// one interval at a time, so indicator warm-up has something to chew on
// without inventing price movement.
func (p SeedPolicy) pad(history []market.Candle, intervalMS int64) []market.Candle {
	if intervalMS <= 0 {
		intervalMS = 60_000
	}
	missing := p.HardMinBars - len(history)
	oldest := history[0]
	out := make([]market.Candle, 0, p.HardMinBars)
	for i := missing; i >= 1; i-- {
		c := oldest
		c.OpenTime = oldest.OpenTime - int64(i)*intervalMS
		c.CloseTime = c.OpenTime + intervalMS - 1
		c.Open, c.High, c.Low, c.Close = oldest.Open, oldest.Open, oldest.Open, oldest.Open
		c.Volume = 0
		out = append(out, c)
	}
	return append(out, history...)
}
