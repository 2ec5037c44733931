package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/gateway/replay"
	"marlin/internal/market"
	"marlin/internal/pkg/circuit"
	"marlin/internal/statestore"
	"marlin/internal/strategy"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkEvent struct {
	Kind    string
	Class   string
	Payload map[string]any
}

type memorySink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (m *memorySink) AppendEvent(sessionID, kind, class string, at time.Time, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, sinkEvent{Kind: kind, Class: class, Payload: payload})
	return nil
}

func (m *memorySink) byKind(kind string) []sinkEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sinkEvent
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// scriptStrategy enters long on the second live candle and, when holdBars is
// positive, exits that many candles later. holdBars <= 0 holds forever.
type scriptStrategy struct {
	qty      float64
	holdBars int
	seen     int
	sinceE   int
}

func (s *scriptStrategy) Name() string    { return "script" }
func (s *scriptStrategy) WarmupBars() int { return 1 }

func (s *scriptStrategy) Decide(v strategy.View, c market.Candle) *broker.OrderIntent {
	s.seen++
	open := v.Position != nil && v.Position.State == broker.PositionOpen
	if open {
		s.sinceE++
		if s.holdBars > 0 && s.sinceE >= s.holdBars {
			return &broker.OrderIntent{
				ClientID:   uuid.NewString(),
				Side:       broker.SideLong,
				Qty:        s.qty,
				Entry:      broker.EntryMarket,
				ReduceOnly: true,
			}
		}
		return nil
	}
	s.sinceE = 0
	if s.seen == 2 {
		return &broker.OrderIntent{
			ClientID: uuid.NewString(),
			Side:     broker.SideLong,
			Qty:      s.qty,
			Entry:    broker.EntryMarket,
		}
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Market: config.MarketConfig{
			Provider:   "replay",
			Symbol:     "BTCUSDT",
			Interval:   "1m",
			MaxCached:  2048,
			BufferSize: 128,
		},
		Session: config.SessionConfig{
			DurationSec:          2,
			HeartbeatSec:         1,
			WatchdogSteadySec:    30,
			WatchdogSeedingSec:   60,
			StaleDataSec:         30,
			CheckpointSec:        60,
			FundingSec:           0,
			ExecQueueSize:        64,
			ExecEnqueueTimeoutMS: 200,
			ShutdownGraceSec:     2,
			KillSwitchPath:       filepath.Join(dir, "KILL"),
		},
		Broker: config.BrokerConfig{
			Mode:           "paper",
			StartingEquity: 10_000,
			FeeRate:        0.0004,
		},
		Risk:     config.RiskConfig{MaxNotional: 1e9, MaxLeverage: 100, MaxOrdersPerMin: 1000},
		Breaker:  config.BreakerConfig{Threshold: 5, WindowSec: 300, CooldownSec: 60},
		Limits:   config.LimiterConfig{Rate: 1000, Burst: 100},
		Strategy: config.StrategyConfig{MinBars: 10, HardMinBars: 5, AllowSyntheticSeed: true},
	}
}

func testCheckpoints(t *testing.T) *statestore.Store {
	t.Helper()
	cp, err := statestore.New(filepath.Join(t.TempDir(), "state.json"), 2)
	require.NoError(t, err)
	return cp
}

// ascending builds n contiguous 1m candles rising linearly from start to end.
func ascending(n int, startMS int64, start, end float64) []market.Candle {
	out := make([]market.Candle, n)
	step := (end - start) / float64(n)
	for i := range out {
		open := start + step*float64(i)
		close := open + step
		out[i] = market.Candle{
			OpenTime:  startMS + int64(i)*60_000,
			CloseTime: startMS + int64(i)*60_000 + 59_999,
			Open:      open,
			High:      close + 0.5,
			Low:       open - 0.5,
			Close:     close,
			Volume:    1,
			Trades:    1,
		}
	}
	return out
}

func TestRunTrendEquityIdentity(t *testing.T) {
	t.Setenv("MARLIN_KILL", "")
	cfg := testConfig(t)
	all := ascending(50, 1_700_000_000_000, 100, 110)
	source := replay.New(all[:20], all[20:], replay.WithDelay(20*time.Millisecond))
	paper := broker.NewPaper(broker.PaperConfig{
		StartingEquity: cfg.Broker.StartingEquity,
		FeeRate:        cfg.Broker.FeeRate,
		Seed:           1,
	})
	sink := &memorySink{}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      source,
		Broker:      paper,
		Strategy:    &scriptStrategy{qty: 1, holdBars: 6},
		Checkpoints: testCheckpoints(t),
		Events:      sink,
	})
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, StopCompleted, result.StopReason)
	require.GreaterOrEqual(t, result.Fills, 1)
	require.GreaterOrEqual(t, result.Exits, 1)

	var pnl, fees float64
	for _, ev := range sink.byKind("fill") {
		fees += ev.Payload["fee"].(float64)
	}
	for _, ev := range sink.byKind("exit") {
		fees += ev.Payload["fee"].(float64)
		pnl += ev.Payload["pnl"].(float64)
	}
	assert.Greater(t, pnl, 0.0, "a long held through a rising trend must profit")
	assert.InDelta(t, result.StartEquity+pnl-fees, result.FinalEquity, 1e-6)
	assert.InDelta(t, result.FinalEquity, paper.Equity(), 1e-9)
}

// candlesFromCloses builds contiguous 1m candles whose closes follow the
// given path, each opening at the previous close.
func candlesFromCloses(startMS int64, closes []float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	prev := closes[0]
	for i, cl := range closes {
		hi, lo := prev, cl
		if cl > hi {
			hi = cl
		}
		if prev < lo {
			lo = prev
		}
		out[i] = market.Candle{
			OpenTime:  startMS + int64(i)*60_000,
			CloseTime: startMS + int64(i)*60_000 + 59_999,
			Open:      prev,
			High:      hi + 0.25,
			Low:       lo - 0.25,
			Close:     cl,
			Volume:    1,
			Trades:    1,
		}
		prev = cl
	}
	return out
}

func TestRunSMACrossEquityIdentity(t *testing.T) {
	t.Setenv("MARLIN_KILL", "")
	cfg := testConfig(t)
	cfg.Session.DurationSec = 3

	// 500 candles from $100 to $110 with two pullbacks, so the fast average
	// actually crosses the slow one in both directions along the way.
	var closes []float64
	seg := func(from, to float64, n int) {
		step := (to - from) / float64(n)
		for i := 1; i <= n; i++ {
			closes = append(closes, from+step*float64(i))
		}
	}
	seg(100, 104, 100)
	seg(104, 101, 50)
	seg(101, 109, 250)
	seg(109, 106, 50)
	seg(106, 110, 50)
	require.Len(t, closes, 500)

	all := candlesFromCloses(1_700_000_000_000, closes)
	source := replay.New(all[:60], all[60:], replay.WithDelay(2*time.Millisecond))
	paper := broker.NewPaper(broker.PaperConfig{
		StartingEquity: cfg.Broker.StartingEquity,
		FeeRate:        cfg.Broker.FeeRate,
		Seed:           1,
	})
	sink := &memorySink{}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      source,
		Broker:      paper,
		Strategy:    strategy.NewSMACross(5, 10, 1),
		Checkpoints: testCheckpoints(t),
		Events:      sink,
	})
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.GreaterOrEqual(t, result.Fills, 1, "the crossover must trade at least once")
	require.GreaterOrEqual(t, result.Exits, 1)

	var pnl, fees float64
	for _, ev := range sink.byKind("fill") {
		fees += ev.Payload["fee"].(float64)
	}
	for _, ev := range sink.byKind("exit") {
		fees += ev.Payload["fee"].(float64)
		pnl += ev.Payload["pnl"].(float64)
	}
	assert.InDelta(t, result.StartEquity+pnl-fees, result.FinalEquity, 1e-6)
	assert.InDelta(t, result.FinalEquity, paper.Equity(), 1e-9)
}

func TestHandleTickRunsProtectiveExit(t *testing.T) {
	cfg := testConfig(t)
	paper := broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000, FeeRate: 0.0004})
	sink := &memorySink{}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      paper,
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: testCheckpoints(t),
		Events:      sink,
	})
	require.NoError(t, err)

	c := ascending(1, 1_700_000_000_000, 100, 101)[0]
	r.handleExec(context.Background(), c, &broker.OrderIntent{
		ClientID: "entry", Side: broker.SideLong, Qty: 1, Entry: broker.EntryMarket, Stop: 95,
	})
	require.Equal(t, broker.PositionOpen, paper.Position().State)

	// An intra-bar trade through the stop flattens without waiting for the
	// bar to close.
	r.handleTick(context.Background(), market.Tick{Bid: 94, Ask: 94.5, EventTime: c.CloseTime + 1})
	assert.Equal(t, broker.PositionFlat, paper.Position().State)
	assert.InDelta(t, 94.25, r.state.lastPrice, 1e-9)

	exits := sink.byKind("exit")
	require.Len(t, exits, 1)
	assert.Equal(t, "stop", exits[0].Payload["reason"])
	assert.Equal(t, 95.0, exits[0].Payload["price"])
}

func TestRunStaleFeedStopsSession(t *testing.T) {
	t.Setenv("MARLIN_KILL", "")
	cfg := testConfig(t)
	cfg.Session.DurationSec = 30
	cfg.Session.StaleDataSec = 1
	all := ascending(25, 1_700_000_000_000, 100, 102)
	source := replay.New(all[:20], all[20:])
	sink := &memorySink{}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      source,
		Broker:      broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000}),
		Strategy:    &scriptStrategy{qty: 1, holdBars: 0},
		Checkpoints: testCheckpoints(t),
		Events:      sink,
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopStaleData, result.StopReason)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.NotEmpty(t, sink.byKind("stale_data"))
}

func TestRunKillSwitchClosesOpenPosition(t *testing.T) {
	t.Setenv("MARLIN_KILL", "")
	cfg := testConfig(t)
	cfg.Session.DurationSec = 30
	all := ascending(220, 1_700_000_000_000, 100, 110)
	source := replay.New(all[:20], all[20:], replay.WithDelay(20*time.Millisecond))
	paper := broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000, FeeRate: 0.0004})
	sink := &memorySink{}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      source,
		Broker:      paper,
		Strategy:    &scriptStrategy{qty: 1, holdBars: 0},
		Checkpoints: testCheckpoints(t),
		Events:      sink,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(600 * time.Millisecond)
		os.WriteFile(cfg.Session.KillSwitchPath, []byte("stop"), 0o644)
	}()

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopKillSwitch, result.StopReason)
	assert.Equal(t, StatusCompleted, result.Status)

	pos := paper.Position()
	require.NotNil(t, pos)
	assert.NotEqual(t, broker.PositionOpen, pos.State, "shutdown must flatten the position")

	exits := sink.byKind("exit")
	require.NotEmpty(t, exits, "forced close must surface as an exit event")
	last := exits[len(exits)-1]
	assert.Greater(t, last.Payload["price"].(float64), 0.0)
	assert.Equal(t, "shutdown_kill_switch", last.Payload["reason"])
}

func TestConsecutiveLossesTripBreakerButExitsPass(t *testing.T) {
	cfg := testConfig(t)
	sink := &memorySink{}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000}),
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: testCheckpoints(t),
		Events:      sink,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		r.recordTradeOutcome(-1)
	}
	require.Equal(t, circuit.StateClosed, r.breaker.State())
	r.recordTradeOutcome(-1)
	require.Equal(t, circuit.StateOpen, r.breaker.State())
	require.Equal(t, 1, r.state.tripCount)
	require.NotEmpty(t, sink.byKind("breaker_tripped"))

	c := ascending(1, 1_700_000_000_000, 100, 101)[0]
	entry := &broker.OrderIntent{ClientID: "entry", Side: broker.SideLong, Qty: 1, Entry: broker.EntryMarket}
	assert.False(t, r.admitIntent(entry, c), "open breaker must block new entries")
	assert.NotEmpty(t, sink.byKind("entry_blocked"))

	exit := &broker.OrderIntent{ClientID: "exit", Side: broker.SideLong, Qty: 1, Entry: broker.EntryMarket, ReduceOnly: true}
	assert.True(t, r.admitIntent(exit, c), "risk reduction passes even while tripped")

	// A winner after recovery clears the consecutive-loss streak.
	r.recordTradeOutcome(5)
	assert.Equal(t, 0, r.state.consecLosses)
}

func TestCheckpointReloadRestoresBrokerState(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "state.json")
	cp1, err := statestore.New(path, 2)
	require.NoError(t, err)

	paper1 := broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000, FeeRate: 0.0004})
	r1, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      paper1,
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: cp1,
	})
	require.NoError(t, err)

	c := ascending(1, 1_700_000_000_000, 100, 101)[0]
	r1.handleExec(context.Background(), c, &broker.OrderIntent{
		ClientID: "seed-fill", Side: broker.SideLong, Qty: 2, Entry: broker.EntryMarket,
	})
	require.Equal(t, broker.PositionOpen, paper1.Position().State)

	// New process against the same checkpoint path.
	cp2, err := statestore.New(path, 2)
	require.NoError(t, err)
	paper2 := broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000, FeeRate: 0.0004})
	r2, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      paper2,
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: cp2,
	})
	require.NoError(t, err)
	require.NoError(t, r2.restoreCheckpoint())

	assert.InDelta(t, paper1.Equity(), paper2.Equity(), 1e-9)
	pos1, pos2 := paper1.Position(), paper2.Position()
	require.Equal(t, pos1.State, pos2.State)
	assert.Equal(t, pos1.Side, pos2.Side)
	assert.InDelta(t, pos1.Qty, pos2.Qty, 1e-9)
	assert.InDelta(t, pos1.AvgEntry(), pos2.AvgEntry(), 1e-9)
}

func TestEnqueueIntentDropsAfterTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.ExecQueueSize = 1
	cfg.Session.ExecEnqueueTimeoutMS = 50
	sink := &memorySink{}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000}),
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: testCheckpoints(t),
		Events:      sink,
	})
	require.NoError(t, err)

	c := ascending(1, 1_700_000_000_000, 100, 101)[0]
	first := pendingIntent{intent: &broker.OrderIntent{ClientID: "first"}, candle: c}
	second := pendingIntent{intent: &broker.OrderIntent{ClientID: "second"}, candle: c}

	// Nothing drains the queue, so the second enqueue must time out loudly.
	r.enqueueIntent(first)
	r.enqueueIntent(second)

	assert.Equal(t, 1, r.state.dropped)
	drops := sink.byKind("intent_dropped")
	require.Len(t, drops, 1)
	assert.Equal(t, "second", drops[0].Payload["client_id"])
}

func TestExecutionTaskDropsWhenThrottled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.ExecEnqueueTimeoutMS = 50
	cfg.Limits = config.LimiterConfig{Rate: 0.01, Burst: 1}
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000}),
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: testCheckpoints(t),
	})
	require.NoError(t, err)
	require.True(t, r.limiter.Allow()) // burn the only token; refill takes ~100s

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.executionTask(ctx)

	c := ascending(1, 1_700_000_000_000, 100, 101)[0]
	r.intentQ <- pendingIntent{intent: &broker.OrderIntent{ClientID: "throttled"}, candle: c}

	select {
	case msg := <-r.msgCh:
		assert.Equal(t, msgExecDropped, msg.kind)
		assert.Equal(t, "throttled", msg.intent.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("throttled intent was never surfaced as a drop")
	}
}

func TestWatchdogTerminatesWedgedLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.WatchdogSteadySec = 1
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000}),
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: testCheckpoints(t),
	})
	require.NoError(t, err)

	fired := make(chan string, 1)
	r.terminate = func(reason string) { fired <- reason }
	r.status.Store(StatusRunning)
	r.lastBeat.Store(time.Now().Add(-time.Minute).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := r.startWatchdog(ctx)

	select {
	case reason := <-fired:
		assert.Equal(t, "watchdog_timeout", reason)
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog never fired on a stalled heartbeat")
	}
	cancel()
	<-done
}

func TestWatchdogAllowsLongSeeding(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.WatchdogSteadySec = 1
	cfg.Session.WatchdogSeedingSec = 60
	r, err := NewRunner(Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000}),
		Strategy:    &scriptStrategy{qty: 1},
		Checkpoints: testCheckpoints(t),
	})
	require.NoError(t, err)

	fired := make(chan string, 1)
	r.terminate = func(reason string) { fired <- reason }
	r.status.Store(StatusSeeding)
	r.lastBeat.Store(time.Now().Add(-5 * time.Second).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := r.startWatchdog(ctx)

	select {
	case reason := <-fired:
		t.Fatalf("watchdog fired during seeding grace: %s", reason)
	case <-time.After(1500 * time.Millisecond):
	}
	cancel()
	<-done
}
