package status

import (
	"net/http/httptest"
	"testing"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/gateway/replay"
	"marlin/internal/market"
	"marlin/internal/session"
	"marlin/internal/statestore"
	"marlin/internal/strategy"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestRunner(t *testing.T) *session.Runner {
	t.Helper()
	cfg := &config.Config{
		Market: config.MarketConfig{Provider: "replay", Symbol: "BTCUSDT", Interval: "1m", MaxCached: 64},
		Session: config.SessionConfig{
			DurationSec: 1, HeartbeatSec: 1,
			WatchdogSteadySec: 30, WatchdogSeedingSec: 60,
			StaleDataSec: 30, ExecQueueSize: 4, ExecEnqueueTimeoutMS: 100,
			ShutdownGraceSec: 1,
		},
		Risk:     config.RiskConfig{MaxNotional: 1e9, MaxLeverage: 100, MaxOrdersPerMin: 100},
		Breaker:  config.BreakerConfig{Threshold: 5, WindowSec: 60, CooldownSec: 60},
		Limits:   config.LimiterConfig{Rate: 100, Burst: 10},
		Strategy: config.StrategyConfig{MinBars: 1, HardMinBars: 1},
	}
	cp, err := statestore.New(t.TempDir()+"/state.json", 1)
	require.NoError(t, err)
	r, err := session.NewRunner(session.Deps{
		Config:      cfg,
		Source:      replay.New(nil, nil),
		Broker:      broker.NewPaper(broker.PaperConfig{StartingEquity: 10_000}),
		Strategy:    noopStrategy{},
		Checkpoints: cp,
	})
	require.NoError(t, err)
	return r
}

type noopStrategy struct{}

func (noopStrategy) Name() string    { return "noop" }
func (noopStrategy) WarmupBars() int { return 0 }
func (noopStrategy) Decide(strategy.View, market.Candle) *broker.OrderIntent {
	return nil
}

func TestStatusEndpoint(t *testing.T) {
	runner := newTestRunner(t)
	srv := NewServer(":0", runner, nil)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	srv.handleStatus(c)

	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Equal(t, runner.SessionID(), gjson.Get(body, "session_id").String())
	assert.Equal(t, "INITIALIZING", gjson.Get(body, "status").String())
}

func TestEventsEndpointWithoutStore(t *testing.T) {
	runner := newTestRunner(t)
	srv := NewServer(":0", runner, nil)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/events", nil)
	srv.handleEvents(c)

	assert.Equal(t, 200, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}
