package config

// Config is the immutable runtime configuration. It is resolved once in main
// (defaults < included files < main file < MARLIN_* environment variables)
// and passed by reference to every task; nothing mutates it afterwards.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Market   MarketConfig   `yaml:"market"`
	Session  SessionConfig  `yaml:"session"`
	Broker   BrokerConfig   `yaml:"broker"`
	Risk     RiskConfig     `yaml:"risk"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Limits   LimiterConfig  `yaml:"limits"`
	Store    StoreConfig    `yaml:"store"`
	Strategy StrategyConfig `yaml:"strategy"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`
	HTTPAddr string `yaml:"http_addr"`
}

type MarketConfig struct {
	Provider        string  `yaml:"provider"` // binance | replay
	Symbol          string  `yaml:"symbol"`
	Interval        string  `yaml:"interval"`
	Ticks           bool    `yaml:"ticks"` // stream intra-bar trades for protective exits
	MaxCached       int     `yaml:"max_cached"`
	BufferSize      int     `yaml:"buffer_size"`
	RESTBaseURL     string  `yaml:"rest_base_url"`
	HTTPTimeoutSec  int     `yaml:"http_timeout_seconds"`
	BackfillPageCap int     `yaml:"backfill_page_cap"`
	BackfillPage    int     `yaml:"backfill_page_size"`
	PongTimeoutSec  int     `yaml:"pong_timeout_seconds"`
	HealthyResetSec int     `yaml:"healthy_reset_seconds"`
	ReconnectMinSec float64 `yaml:"reconnect_min_seconds"`
	ReconnectMaxSec float64 `yaml:"reconnect_max_seconds"`
}

type SessionConfig struct {
	DurationSec          int     `yaml:"duration_seconds"`
	HeartbeatSec         int     `yaml:"heartbeat_seconds"`
	WatchdogSteadySec    int     `yaml:"watchdog_steady_seconds"`
	WatchdogSeedingSec   int     `yaml:"watchdog_seeding_seconds"`
	StaleDataSec         int     `yaml:"stale_data_seconds"`
	CheckpointSec        int     `yaml:"checkpoint_seconds"`
	FundingSec           int     `yaml:"funding_seconds"`
	FundingRate          float64 `yaml:"funding_rate"`
	ExecQueueSize        int     `yaml:"exec_queue_size"`
	ExecEnqueueTimeoutMS int     `yaml:"exec_enqueue_timeout_ms"`
	ShutdownGraceSec     int     `yaml:"shutdown_grace_seconds"`
	KillSwitchPath       string  `yaml:"kill_switch_path"`
	LockPath             string  `yaml:"lock_path"`
}

type BrokerConfig struct {
	Mode              string  `yaml:"mode"` // paper
	StartingEquity    float64 `yaml:"starting_equity"`
	FeeRate           float64 `yaml:"fee_rate"`
	SpreadBps         float64 `yaml:"spread_bps"`
	SlippageModel     string  `yaml:"slippage_model"` // fixed | random | size
	SlippageBps       float64 `yaml:"slippage_bps"`
	IdempotencyTTLSec int     `yaml:"idempotency_ttl_seconds"`
}

type RiskConfig struct {
	MaxNotional     float64 `yaml:"max_notional"`
	MaxLeverage     float64 `yaml:"max_leverage"`
	MaxOrdersPerMin int     `yaml:"max_orders_per_minute"`
	MaxConsecLosses int     `yaml:"max_consecutive_losses"`
}

type BreakerConfig struct {
	Threshold   int `yaml:"threshold"`
	WindowSec   int `yaml:"window_seconds"`
	CooldownSec int `yaml:"cooldown_seconds"`
}

type LimiterConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type StoreConfig struct {
	DBPath       string `yaml:"db_path"`
	SnapshotPath string `yaml:"snapshot_path"`
	BackupCount  int    `yaml:"backup_count"`
	EventLogPath string `yaml:"event_log_path"`
}

type StrategyConfig struct {
	Name               string  `yaml:"name"`
	FastPeriod         int     `yaml:"fast_period"`
	SlowPeriod         int     `yaml:"slow_period"`
	MinBars            int     `yaml:"min_bars"`
	HardMinBars        int     `yaml:"hard_min_bars"`
	AllowSyntheticSeed bool    `yaml:"allow_synthetic_seed"`
	OrderQty           float64 `yaml:"order_qty"`
}
