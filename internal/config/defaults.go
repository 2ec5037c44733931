package config

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}

	if c.Market.Provider == "" {
		c.Market.Provider = "binance"
	}
	if c.Market.Interval == "" {
		c.Market.Interval = "1m"
	}
	if c.Market.MaxCached <= 0 {
		c.Market.MaxCached = 500
	}
	if c.Market.BufferSize <= 0 {
		c.Market.BufferSize = 512
	}
	if c.Market.HTTPTimeoutSec <= 0 {
		c.Market.HTTPTimeoutSec = 10
	}
	if c.Market.BackfillPageCap <= 0 {
		c.Market.BackfillPageCap = 5
	}
	if c.Market.BackfillPage <= 0 {
		c.Market.BackfillPage = 500
	}
	if c.Market.PongTimeoutSec <= 0 {
		c.Market.PongTimeoutSec = 60
	}
	if c.Market.HealthyResetSec <= 0 {
		c.Market.HealthyResetSec = 120
	}
	if c.Market.ReconnectMinSec <= 0 {
		c.Market.ReconnectMinSec = 1
	}
	if c.Market.ReconnectMaxSec <= 0 {
		c.Market.ReconnectMaxSec = 30
	}

	if c.Session.HeartbeatSec <= 0 {
		c.Session.HeartbeatSec = 1
	}
	if c.Session.WatchdogSteadySec <= 0 {
		c.Session.WatchdogSteadySec = 30
	}
	if c.Session.WatchdogSeedingSec <= 0 {
		c.Session.WatchdogSeedingSec = 120
	}
	if c.Session.StaleDataSec <= 0 {
		c.Session.StaleDataSec = 90
	}
	if c.Session.CheckpointSec <= 0 {
		c.Session.CheckpointSec = 15
	}
	if c.Session.FundingSec <= 0 {
		c.Session.FundingSec = 3600
	}
	if c.Session.ExecQueueSize <= 0 {
		c.Session.ExecQueueSize = 64
	}
	if c.Session.ExecEnqueueTimeoutMS <= 0 {
		c.Session.ExecEnqueueTimeoutMS = 5000
	}
	if c.Session.ShutdownGraceSec <= 0 {
		c.Session.ShutdownGraceSec = 10
	}
	if c.Session.KillSwitchPath == "" {
		c.Session.KillSwitchPath = "data/KILL"
	}
	if c.Session.LockPath == "" {
		c.Session.LockPath = "data/marlin.lock"
	}

	if c.Broker.Mode == "" {
		c.Broker.Mode = "paper"
	}
	if c.Broker.StartingEquity <= 0 {
		c.Broker.StartingEquity = 10_000
	}
	if c.Broker.FeeRate < 0 {
		c.Broker.FeeRate = 0
	}
	if c.Broker.FeeRate == 0 {
		c.Broker.FeeRate = 0.0004 // 4bps
	}
	if c.Broker.SlippageModel == "" {
		c.Broker.SlippageModel = "fixed"
	}
	if c.Broker.IdempotencyTTLSec <= 0 {
		c.Broker.IdempotencyTTLSec = 600
	}

	if c.Risk.MaxNotional <= 0 {
		c.Risk.MaxNotional = 100_000
	}
	if c.Risk.MaxLeverage <= 0 {
		c.Risk.MaxLeverage = 5
	}
	if c.Risk.MaxOrdersPerMin <= 0 {
		c.Risk.MaxOrdersPerMin = 30
	}
	if c.Risk.MaxConsecLosses <= 0 {
		c.Risk.MaxConsecLosses = 5
	}

	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.WindowSec <= 0 {
		c.Breaker.WindowSec = 600
	}
	if c.Breaker.CooldownSec <= 0 {
		c.Breaker.CooldownSec = 60
	}

	if c.Limits.Rate <= 0 {
		c.Limits.Rate = 8
	}
	if c.Limits.Burst <= 0 {
		c.Limits.Burst = 16
	}

	if c.Store.DBPath == "" {
		c.Store.DBPath = "data/marlin.db"
	}
	if c.Store.SnapshotPath == "" {
		c.Store.SnapshotPath = "data/checkpoint.json"
	}
	if c.Store.BackupCount <= 0 {
		c.Store.BackupCount = 3
	}
	if c.Store.EventLogPath == "" {
		c.Store.EventLogPath = "data/events.jsonl"
	}

	if c.Strategy.Name == "" {
		c.Strategy.Name = "sma_cross"
	}
	if c.Strategy.FastPeriod <= 0 {
		c.Strategy.FastPeriod = 9
	}
	if c.Strategy.SlowPeriod <= 0 {
		c.Strategy.SlowPeriod = 21
	}
	if c.Strategy.MinBars <= 0 {
		c.Strategy.MinBars = c.Strategy.SlowPeriod * 2
	}
	if c.Strategy.HardMinBars <= 0 {
		c.Strategy.HardMinBars = c.Strategy.SlowPeriod + 1
	}
	if c.Strategy.OrderQty <= 0 {
		c.Strategy.OrderQty = 0.01
	}
}
