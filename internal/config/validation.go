package config

import (
	"fmt"

	"marlin/internal/pkg/symbol"
)

func validate(c *Config) error {
	if !symbol.IsValid(c.Market.Symbol) {
		return fmt.Errorf("market.symbol %q is not a recognized pair", c.Market.Symbol)
	}
	switch c.Market.Provider {
	case "binance", "replay":
	default:
		return fmt.Errorf("market.provider must be binance or replay, got %q", c.Market.Provider)
	}
	switch c.Broker.Mode {
	case "paper":
	default:
		return fmt.Errorf("broker.mode %q not supported", c.Broker.Mode)
	}
	switch c.Broker.SlippageModel {
	case "fixed", "random", "size":
	default:
		return fmt.Errorf("broker.slippage_model must be fixed, random or size, got %q", c.Broker.SlippageModel)
	}
	if c.Session.DurationSec <= 0 {
		return fmt.Errorf("session.duration_seconds must be positive")
	}
	if c.Session.HeartbeatSec > c.Session.WatchdogSteadySec {
		return fmt.Errorf("session.heartbeat_seconds (%d) must not exceed the steady watchdog threshold (%d)",
			c.Session.HeartbeatSec, c.Session.WatchdogSteadySec)
	}
	if c.Session.WatchdogSeedingSec < c.Session.WatchdogSteadySec {
		return fmt.Errorf("session.watchdog_seeding_seconds must be >= the steady threshold to tolerate slow warm-up")
	}
	if c.Strategy.FastPeriod >= c.Strategy.SlowPeriod {
		return fmt.Errorf("strategy.fast_period must be below slow_period")
	}
	if c.Strategy.HardMinBars > c.Strategy.MinBars {
		return fmt.Errorf("strategy.hard_min_bars cannot exceed min_bars")
	}
	return nil
}
