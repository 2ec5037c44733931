package app

import (
	"fmt"
	"time"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/gateway/binance"
	"marlin/internal/gateway/replay"
	"marlin/internal/logger"
	"marlin/internal/market"
	"marlin/internal/session"
	"marlin/internal/statestore"
	"marlin/internal/store"
	"marlin/internal/strategy"
	"marlin/internal/transport/http/status"
)

// build assembles the dependency graph by hand. The graph is small enough
// that explicit wiring stays clearer than a generator.
func build(cfg *config.Config) (*App, error) {
	src, err := buildSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("building market source: %w", err)
	}

	eventStore, err := store.Open(cfg.Store.DBPath, cfg.Store.EventLogPath)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	checkpoints, err := statestore.New(cfg.Store.SnapshotPath, cfg.Store.BackupCount)
	if err != nil {
		eventStore.Close()
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	strat, err := buildStrategy(cfg)
	if err != nil {
		eventStore.Close()
		return nil, err
	}

	paper := broker.NewPaper(broker.PaperConfig{
		StartingEquity: cfg.Broker.StartingEquity,
		FeeRate:        cfg.Broker.FeeRate,
		SpreadBps:      cfg.Broker.SpreadBps,
		Slippage:       broker.SlippageModel(cfg.Broker.SlippageModel),
		SlippageBps:    cfg.Broker.SlippageBps,
		IdempotencyTTL: time.Duration(cfg.Broker.IdempotencyTTLSec) * time.Second,
	})

	var lock *statestore.ProcessLock
	if cfg.Session.LockPath != "" {
		lock = statestore.NewProcessLock(cfg.Session.LockPath)
	}

	runner, err := session.NewRunner(session.Deps{
		Config:      cfg,
		Source:      src,
		Broker:      paper,
		Strategy:    strat,
		Checkpoints: checkpoints,
		Events:      eventStore,
		Runs:        eventStore,
		Lock:        lock,
	})
	if err != nil {
		eventStore.Close()
		return nil, fmt.Errorf("building session: %w", err)
	}

	var httpSrv *status.Server
	if cfg.App.HTTPAddr != "" {
		httpSrv = status.NewServer(cfg.App.HTTPAddr, runner, eventStore)
	}

	logger.Infof("wired session %s: provider=%s symbol=%s interval=%s strategy=%s",
		runner.SessionID(), cfg.Market.Provider, cfg.Market.Symbol, cfg.Market.Interval, strat.Name())

	return &App{
		cfg:     cfg,
		runner:  runner,
		httpSrv: httpSrv,
		events:  eventStore,
		cleanup: func() {
			src.Close()
			eventStore.Close()
		},
	}, nil
}

func buildSource(cfg *config.Config) (market.Source, error) {
	switch cfg.Market.Provider {
	case "binance":
		return binance.New(binance.Config{
			RESTBaseURL:     cfg.Market.RESTBaseURL,
			HTTPTimeout:     time.Duration(cfg.Market.HTTPTimeoutSec) * time.Second,
			ReconnectMin:    time.Duration(cfg.Market.ReconnectMinSec * float64(time.Second)),
			ReconnectMax:    time.Duration(cfg.Market.ReconnectMaxSec * float64(time.Second)),
			PongTimeout:     time.Duration(cfg.Market.PongTimeoutSec) * time.Second,
			HealthyReset:    time.Duration(cfg.Market.HealthyResetSec) * time.Second,
			BackfillPageCap: cfg.Market.BackfillPageCap,
			BackfillPage:    cfg.Market.BackfillPage,
		})
	case "replay":
		// Empty replay source; harnesses inject candles through their own
		// instance instead of going through the builder.
		return replay.New(nil, nil), nil
	default:
		return nil, fmt.Errorf("unknown market provider %q", cfg.Market.Provider)
	}
}

func buildStrategy(cfg *config.Config) (strategy.Strategy, error) {
	switch cfg.Strategy.Name {
	case "sma_cross", "":
		return strategy.NewSMACross(cfg.Strategy.FastPeriod, cfg.Strategy.SlowPeriod, cfg.Strategy.OrderQty), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy.Name)
	}
}
