package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/logger"
	"marlin/internal/market"
	"marlin/internal/pkg/backoff"
	"marlin/internal/pkg/circuit"
	"marlin/internal/pkg/ratelimit"
	"marlin/internal/statestore"
	"marlin/internal/store"
	"marlin/internal/strategy"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EventSink receives every structured session event. *store.Store satisfies
// it; tests may substitute their own.
type EventSink interface {
	AppendEvent(sessionID, kind, class string, at time.Time, payload map[string]any) error
}

// RunStore persists the session summary row.
type RunStore interface {
	SaveRun(run *store.RunModel) error
}

// Deps are the collaborators a session needs. Events, Runs and Lock may be
// nil; everything else is required.
type Deps struct {
	Config      *config.Config
	Source      market.Source
	Broker      broker.Broker
	Strategy    strategy.Strategy
	Checkpoints *statestore.Store
	Events      EventSink
	Runs        RunStore
	Lock        *statestore.ProcessLock
}

type msgKind int

const (
	msgCandle msgKind = iota
	msgTick
	msgExec
	msgExecDropped
	msgHeartbeat
	msgFunding
	msgCheckpoint
)

type message struct {
	kind   msgKind
	candle market.Candle
	tick   market.Tick
	intent *broker.OrderIntent
}

type pendingIntent struct {
	intent *broker.OrderIntent
	candle market.Candle
}

// sessionState is owned by the run loop. Nothing else mutates it; the
// heartbeat and watchdog read through published atomics only.
type sessionState struct {
	startEquity  float64
	consecLosses int
	tripped      bool
	tripCount    int
	errorCount   int
	fundingPaid  float64
	lastPrice    float64
	fills        int
	exits        int
	rejections   int
	dropped      int
	curve        []EquityPoint
	generation   int
}

// Heartbeat is the structured status snapshot published every interval and
// served to external dashboards.
type Heartbeat struct {
	SessionID  string  `json:"session_id"`
	Status     Status  `json:"status"`
	Price      float64 `json:"price"`
	Equity     float64 `json:"equity"`
	Unrealized float64 `json:"unrealized"`
	Position   string  `json:"position"`
	Qty        float64 `json:"qty"`
	ElapsedSec float64 `json:"elapsed_sec"`
	ErrorCount int     `json:"error_count"`
	Drops      int     `json:"drops"`
}

// Runner owns the session: task orchestration, queues, watchdog, heartbeat
// and shutdown. All trading state is mutated only on the run loop.
type Runner struct {
	cfg   *config.Config
	deps  Deps
	id    string
	state sessionState

	series  *market.Series
	guard   *broker.RiskGuard
	breaker *circuit.CircuitBreaker
	limiter *ratelimit.Limiter

	msgCh   chan message
	intentQ chan pendingIntent
	stopCh  chan StopReason

	status    atomic.Value // Status
	lastBeat  atomic.Int64 // monotonic nanos of last run-loop activity
	lastData  atomic.Int64 // monotonic nanos of last market data
	snapshot  atomic.Value // Heartbeat
	startedAt time.Time

	// terminate is what the watchdog calls on a wedged process. Replaced
	// in tests; defaults to os.Exit via NewRunner.
	terminate func(reason string)
	nowFn     func() time.Time
}

func NewRunner(deps Deps) (*Runner, error) {
	if deps.Config == nil || deps.Source == nil || deps.Broker == nil || deps.Strategy == nil || deps.Checkpoints == nil {
		return nil, fmt.Errorf("session: config, source, broker, strategy and checkpoints are required")
	}
	cfg := deps.Config
	interval, err := parseInterval(cfg.Market.Interval)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:    cfg,
		deps:   deps,
		id:     uuid.NewString(),
		series: market.NewSeries(interval, cfg.Market.MaxCached),
		guard: broker.NewRiskGuard(broker.RiskLimits{
			MaxNotional:     cfg.Risk.MaxNotional,
			MaxLeverage:     cfg.Risk.MaxLeverage,
			MaxOrdersPerMin: cfg.Risk.MaxOrdersPerMin,
		}),
		breaker: circuit.NewCircuitBreaker("session", cfg.Breaker.Threshold,
			time.Duration(cfg.Breaker.WindowSec)*time.Second,
			time.Duration(cfg.Breaker.CooldownSec)*time.Second),
		limiter:   ratelimit.NewLimiter(cfg.Limits.Rate, cfg.Limits.Burst),
		msgCh:     make(chan message, 256),
		intentQ:   make(chan pendingIntent, cfg.Session.ExecQueueSize),
		stopCh:    make(chan StopReason, 4),
		terminate: defaultTerminate,
		nowFn:     time.Now,
	}
	r.status.Store(StatusInitializing)
	r.lastBeat.Store(time.Now().UnixNano())
	r.lastData.Store(time.Now().UnixNano())
	return r, nil
}

func (r *Runner) SessionID() string { return r.id }

func (r *Runner) Status() Status { return r.status.Load().(Status) }

// Snapshot returns the latest published heartbeat. Safe from any goroutine.
func (r *Runner) Snapshot() Heartbeat {
	if v := r.snapshot.Load(); v != nil {
		return v.(Heartbeat)
	}
	return Heartbeat{SessionID: r.id, Status: r.Status()}
}

// RequestShutdown is signal-handler safe: it only posts a flag. All blocking
// cleanup happens on the run loop.
func (r *Runner) RequestShutdown(reason StopReason) {
	select {
	case r.stopCh <- reason:
	default:
	}
}

// Run blocks until the configured duration elapses, the kill switch fires,
// a fatal condition occurs, or ctx is cancelled. It always returns a
// Result; err is non-nil only for fatal outcomes.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.startedAt = r.nowFn()
	result := &Result{
		SessionID:   r.id,
		StartedAtMS: r.startedAt.UnixMilli(),
	}

	if r.deps.Lock != nil {
		if err := r.deps.Lock.Acquire(); err != nil {
			return r.fatal(result, fmt.Errorf("acquiring process lock: %w", err))
		}
		defer r.deps.Lock.Release()
	}

	if err := r.restoreCheckpoint(); err != nil {
		return r.fatal(result, err)
	}
	r.state.startEquity = r.deps.Broker.Equity()
	result.StartEquity = r.state.startEquity
	r.breaker.SetAnchorEquity(r.state.startEquity)
	r.breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("session %s: breaker %s -> %s", r.id, from, to)
	})
	r.saveRunRow(StatusRunning, "")

	r.setStatus(StatusSeeding)
	if err := r.seed(ctx); err != nil {
		return r.fatal(result, err)
	}

	events, err := r.deps.Source.Subscribe(ctx, r.cfg.Market.Symbol, r.cfg.Market.Interval, market.SubscribeOptions{
		Buffer: r.cfg.Market.BufferSize,
		OnConnect: func() {
			logger.Infof("session %s: market stream connected", r.id)
		},
		OnDisconnect: func(err error) {
			if err != nil {
				r.emit("stream_disconnect", Classify(err), map[string]any{"error": err.Error()})
			}
		},
	})
	if err != nil {
		return r.fatal(result, fmt.Errorf("subscribing to market data: %w", err))
	}

	var ticks <-chan market.Tick
	if r.cfg.Market.Ticks {
		ticks, err = r.deps.Source.SubscribeTicks(ctx, r.cfg.Market.Symbol, market.SubscribeOptions{
			Buffer: r.cfg.Market.BufferSize,
		})
		if err != nil {
			return r.fatal(result, fmt.Errorf("subscribing to ticks: %w", err))
		}
	}

	r.setStatus(StatusRunning)
	r.emit("session_start", ClassInfo, map[string]any{
		"symbol":   r.cfg.Market.Symbol,
		"interval": r.cfg.Market.Interval,
		"equity":   r.state.startEquity,
	})

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	group, groupCtx := errgroup.WithContext(taskCtx)

	group.Go(func() error { return r.ingestionTask(groupCtx, events) })
	if ticks != nil {
		group.Go(func() error { return r.tickIngestionTask(groupCtx, ticks) })
	}
	group.Go(func() error { return r.executionTask(groupCtx) })
	group.Go(func() error { return r.heartbeatTask(groupCtx) })
	group.Go(func() error { return r.killSwitchTask(groupCtx) })
	group.Go(func() error { return r.staleDataTask(groupCtx) })
	group.Go(func() error {
		return r.tickerTask(groupCtx, time.Duration(r.cfg.Session.CheckpointSec)*time.Second, msgCheckpoint)
	})
	group.Go(func() error {
		return r.tickerTask(groupCtx, time.Duration(r.cfg.Session.FundingSec)*time.Second, msgFunding)
	})

	// The watchdog is deliberately outside the errgroup: it runs on its own
	// OS thread and must stay alive even if the cooperative tasks wedge.
	watchdogDone := r.startWatchdog(taskCtx)

	reason := r.runLoop(ctx)

	// Shutdown path: cancel the tasks first, then run all blocking cleanup
	// here on the main task.
	r.setStatus(StatusShuttingDown)
	cancelTasks()
	grace := time.Duration(r.cfg.Session.ShutdownGraceSec) * time.Second
	waitGroupWithTimeout(group, grace)
	<-watchdogDone

	r.drainInFlight()
	r.closeOpenPosition(reason)
	r.state.generation++
	if err := r.saveCheckpoint(); err != nil {
		logger.Errorf("session %s: final checkpoint failed: %v", r.id, err)
		r.state.errorCount++
	}

	final := StatusCompleted
	if reason == StopFatalError {
		final = StatusFatal
	}
	r.setStatus(final)
	r.finishResult(result, final, reason)
	r.writeReport(result)
	if reason == StopFatalError {
		return result, fmt.Errorf("session ended with fatal error after %d errors", result.ErrorCount)
	}
	return result, nil
}

// runLoop is the serialized event path: every mutation of trading state
// happens here, in arrival order.
func (r *Runner) runLoop(ctx context.Context) StopReason {
	duration := time.Duration(r.cfg.Session.DurationSec) * time.Second
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	for {
		r.lastBeat.Store(r.nowFn().UnixNano())
		select {
		case <-ctx.Done():
			return StopCancelled
		case <-deadline.C:
			return StopCompleted
		case reason := <-r.stopCh:
			return reason
		case msg := <-r.msgCh:
			if stop, reason := r.handle(ctx, msg); stop {
				return reason
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, msg message) (bool, StopReason) {
	switch msg.kind {
	case msgCandle:
		r.handleCandle(ctx, msg.candle)
	case msgTick:
		r.handleTick(ctx, msg.tick)
	case msgExec:
		r.handleExec(ctx, msg.candle, msg.intent)
	case msgExecDropped:
		r.state.dropped++
		r.state.errorCount++
		r.emit("intent_dropped", ClassTransient, map[string]any{
			"client_id": msg.intent.ClientID,
			"reason":    "execution queue full past timeout",
		})
	case msgHeartbeat:
		r.publishHeartbeat()
	case msgFunding:
		r.handleFunding()
	case msgCheckpoint:
		r.state.generation++
		if err := r.saveCheckpoint(); err != nil {
			r.state.errorCount++
			r.emit("checkpoint_failed", ClassTransient, map[string]any{"error": err.Error()})
		}
	}
	if r.state.tripCount >= maxBreakerTrips {
		r.emit("breaker_repeated_trips", ClassFatal, map[string]any{"trips": r.state.tripCount})
		return true, StopCircuitBreaker
	}
	return false, ""
}

const maxBreakerTrips = 3

func (r *Runner) handleCandle(ctx context.Context, c market.Candle) {
	if err := r.series.Append(c); err != nil {
		r.state.errorCount++
		r.emit("malformed_candle", ClassDataQuality, map[string]any{
			"open_time": c.OpenTime,
			"error":     err.Error(),
		})
		return
	}
	r.state.lastPrice = c.Close

	// Bar-driven exits run before any new decision.
	events, err := r.deps.Broker.OnCandle(ctx, c, nil)
	if err != nil {
		r.state.errorCount++
		r.emit("broker_error", Classify(err), map[string]any{"error": err.Error()})
	}
	r.applyBrokerEvents(events)

	if r.series.Len() < r.deps.Strategy.WarmupBars() {
		return
	}
	intent := r.deps.Strategy.Decide(strategy.View{
		Closes:   r.series.Closes(),
		Position: r.deps.Broker.Position(),
		Equity:   r.deps.Broker.Equity(),
	}, c)
	if intent == nil {
		return
	}
	if !r.admitIntent(intent, c) {
		return
	}
	r.enqueueIntent(pendingIntent{intent: intent, candle: c})
}

// handleTick runs protective exits between bar closes. Ticks never open new
// risk; entries stay on closed bars.
func (r *Runner) handleTick(ctx context.Context, t market.Tick) {
	price := t.Mid()
	if price <= 0 {
		return
	}
	r.state.lastPrice = price
	events, err := r.deps.Broker.OnTick(ctx, t)
	if err != nil {
		r.state.errorCount++
		r.emit("broker_error", Classify(err), map[string]any{"error": err.Error()})
		return
	}
	r.applyBrokerEvents(events)
}

// admitIntent applies risk ceilings and the circuit breaker. Exits are
// always admitted: a tripped breaker blocks new risk, not risk reduction.
func (r *Runner) admitIntent(intent *broker.OrderIntent, c market.Candle) bool {
	if intent.ReduceOnly {
		return true
	}
	if !r.breaker.Allow() {
		r.state.rejections++
		r.emit("entry_blocked", ClassRisk, map[string]any{
			"client_id": intent.ClientID,
			"reason":    "circuit_breaker_open",
		})
		return false
	}
	if err := r.guard.Check(intent, c.Close, r.deps.Broker.Equity()); err != nil {
		r.state.rejections++
		r.state.errorCount++
		r.emit("risk_rejected", ClassRisk, map[string]any{
			"client_id": intent.ClientID,
			"error":     err.Error(),
		})
		return false
	}
	return true
}

// enqueueIntent applies backpressure: it blocks up to the configured timeout
// before recording an explicit drop. Nothing is ever discarded silently.
func (r *Runner) enqueueIntent(pi pendingIntent) {
	select {
	case r.intentQ <- pi:
		return
	default:
	}
	timeout := time.Duration(r.cfg.Session.ExecEnqueueTimeoutMS) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r.intentQ <- pi:
	case <-timer.C:
		r.state.dropped++
		r.state.errorCount++
		r.emit("intent_dropped", ClassTransient, map[string]any{
			"client_id": pi.intent.ClientID,
			"reason":    "execution queue full past timeout",
		})
	}
}

func (r *Runner) handleExec(ctx context.Context, c market.Candle, intent *broker.OrderIntent) {
	events, err := r.deps.Broker.OnCandle(ctx, c, intent)
	if err != nil {
		r.state.errorCount++
		class := Classify(err)
		r.emit("execution_error", class, map[string]any{
			"client_id": intent.ClientID,
			"error":     err.Error(),
		})
		r.breaker.RecordFailure(severityFor(class), err.Error())
		return
	}
	r.applyBrokerEvents(events)
	r.state.generation++
	if err := r.saveCheckpoint(); err != nil {
		r.state.errorCount++
		r.emit("checkpoint_failed", ClassTransient, map[string]any{"error": err.Error()})
	}
}

func (r *Runner) applyBrokerEvents(events []broker.Event) {
	for _, ev := range events {
		payload := map[string]any{
			"client_id": ev.ClientID,
			"price":     ev.Price,
			"qty":       ev.Qty,
			"fee":       ev.Fee,
			"reason":    ev.Reason,
		}
		switch ev.Type {
		case broker.EventFill:
			r.state.fills++
			r.emit("fill", ClassInfo, payload)
		case broker.EventExit:
			r.state.exits++
			payload["pnl"] = ev.PnL
			r.emit("exit", ClassInfo, payload)
			r.recordTradeOutcome(ev.PnL)
		case broker.EventRejected:
			r.state.rejections++
			r.emit("order_rejected", ClassRisk, payload)
		}
		r.state.curve = append(r.state.curve, EquityPoint{
			At:     ev.At,
			Equity: r.deps.Broker.Equity(),
		})
	}
}

// recordTradeOutcome feeds the breaker: consecutive losses accumulate, a
// winner clears the slate.
func (r *Runner) recordTradeOutcome(pnl float64) {
	if pnl < 0 {
		r.state.consecLosses++
		wasOpen := r.breaker.State() == circuit.StateOpen
		r.breaker.RecordFailure(circuit.SeverityTransient, "losing_trade")
		// The streak cap trips regardless of how the weighted window has
		// aged out older losses.
		if max := r.cfg.Risk.MaxConsecLosses; max > 0 &&
			r.state.consecLosses >= max && r.breaker.State() == circuit.StateClosed {
			r.breaker.RecordFailure(circuit.SeverityFatal, "max_consecutive_losses")
		}
		if !wasOpen && r.breaker.State() == circuit.StateOpen {
			r.state.tripped = true
			r.state.tripCount++
			r.emit("breaker_tripped", ClassRisk, map[string]any{
				"consecutive_losses": r.state.consecLosses,
				"reason":             r.breaker.TripReason(),
			})
		}
		return
	}
	r.state.consecLosses = 0
	r.breaker.RecordSuccess()
	if r.state.tripped && r.breaker.State() == circuit.StateClosed {
		r.state.tripped = false
	}
}

func (r *Runner) handleFunding() {
	if r.state.lastPrice <= 0 {
		return
	}
	charge := r.deps.Broker.ApplyFunding(r.state.lastPrice, r.cfg.Session.FundingRate)
	if charge == 0 {
		return
	}
	r.state.fundingPaid += charge
	r.emit("funding", ClassInfo, map[string]any{
		"charge": charge,
		"price":  r.state.lastPrice,
	})
}

func (r *Runner) publishHeartbeat() {
	pos := r.deps.Broker.Position()
	hb := Heartbeat{
		SessionID:  r.id,
		Status:     r.Status(),
		Price:      r.state.lastPrice,
		Equity:     r.deps.Broker.Equity(),
		Unrealized: r.deps.Broker.UnrealizedPnL(r.state.lastPrice),
		ElapsedSec: r.nowFn().Sub(r.startedAt).Seconds(),
		ErrorCount: r.state.errorCount,
		Drops:      r.state.dropped,
	}
	if pos != nil && pos.State == broker.PositionOpen {
		hb.Position = string(pos.Side)
		hb.Qty = pos.Qty
	} else {
		hb.Position = string(broker.PositionFlat)
	}
	r.snapshot.Store(hb)
	r.state.curve = append(r.state.curve, EquityPoint{At: r.nowFn().UnixMilli(), Equity: hb.Equity})
	logger.Debugf("heartbeat session=%s price=%.2f equity=%.2f pos=%s elapsed=%.0fs",
		r.id, hb.Price, hb.Equity, hb.Position, hb.ElapsedSec)
}

// seed fetches warm-up history, retrying with backoff when the provider
// returns less than the strategy's hard minimum.
func (r *Runner) seed(ctx context.Context) error {
	policy := strategy.SeedPolicy{
		MinBars:            r.cfg.Strategy.MinBars,
		HardMinBars:        r.cfg.Strategy.HardMinBars,
		AllowSyntheticSeed: r.cfg.Strategy.AllowSyntheticSeed,
	}
	interval, _ := parseInterval(r.cfg.Market.Interval)
	bo := backoff.New(time.Second, 15*time.Second)
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		history, err := r.deps.Source.FetchHistory(ctx, r.cfg.Market.Symbol, r.cfg.Market.Interval, r.cfg.Strategy.MinBars)
		if err == nil {
			seeded, evalErr := policy.Evaluate(history, interval.Milliseconds())
			if evalErr == nil {
				if appendErr := r.series.AppendBatch(seeded); appendErr != nil {
					return fmt.Errorf("seeding history: %w", appendErr)
				}
				r.emit("seeded", ClassInfo, map[string]any{"bars": r.series.Len()})
				return nil
			}
			err = evalErr
		}
		lastErr = err
		r.state.errorCount++
		r.emit("seed_retry", Classify(err), map[string]any{"attempt": attempt, "error": err.Error()})
		if !backoff.Sleep(ctx, bo.Next()) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("seeding failed after retries: %w", lastErr)
}

func (r *Runner) restoreCheckpoint() error {
	cp, err := r.deps.Checkpoints.Load()
	if err == statestore.ErrNoCheckpoint {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if err := r.deps.Broker.LoadState(cp.Broker); err != nil {
		return fmt.Errorf("restoring broker state: %w", err)
	}
	var st checkpointSession
	if err := json.Unmarshal(cp.Session, &st); err != nil {
		return fmt.Errorf("restoring session state: %w", err)
	}
	r.state.consecLosses = st.ConsecLosses
	r.state.tripped = st.Tripped
	r.state.errorCount = st.ErrorCount
	r.state.fundingPaid = st.FundingPaid
	r.state.generation = cp.Generation
	logger.Infof("session %s: restored checkpoint generation %d", r.id, cp.Generation)
	return nil
}

type checkpointSession struct {
	Equity       float64 `json:"equity"`
	StartEquity  float64 `json:"start_equity"`
	ConsecLosses int     `json:"consecutive_losses"`
	Tripped      bool    `json:"tripped"`
	ErrorCount   int     `json:"error_count"`
	FundingPaid  float64 `json:"funding_paid"`
}

func (r *Runner) saveCheckpoint() error {
	sessionRaw, err := json.Marshal(checkpointSession{
		Equity:       r.deps.Broker.Equity(),
		StartEquity:  r.state.startEquity,
		ConsecLosses: r.state.consecLosses,
		Tripped:      r.state.tripped,
		ErrorCount:   r.state.errorCount,
		FundingPaid:  r.state.fundingPaid,
	})
	if err != nil {
		return err
	}
	brokerRaw, err := r.deps.Broker.SaveState()
	if err != nil {
		return err
	}
	return r.deps.Checkpoints.Save(&statestore.Checkpoint{
		Generation: r.state.generation,
		WrittenAt:  r.nowFn().UnixMilli(),
		Session:    sessionRaw,
		Broker:     brokerRaw,
	})
}

// drainInFlight gives queued intents a short window to execute before the
// position is force-closed.
func (r *Runner) drainInFlight() {
	for {
		select {
		case pi := <-r.intentQ:
			r.handleExec(context.Background(), pi.candle, pi.intent)
		case msg := <-r.msgCh:
			if msg.kind == msgExec {
				r.handleExec(context.Background(), msg.candle, msg.intent)
			}
		default:
			return
		}
	}
}

func (r *Runner) closeOpenPosition(reason StopReason) {
	pos := r.deps.Broker.Position()
	if pos == nil || pos.State != broker.PositionOpen {
		return
	}
	if r.state.lastPrice <= 0 {
		if last, ok := r.series.Last(); ok {
			r.state.lastPrice = last.Close
		}
	}
	events, err := r.deps.Broker.CloseAll(context.Background(), r.state.lastPrice, "shutdown_"+string(reason))
	if err != nil {
		r.state.errorCount++
		r.emit("close_all_failed", ClassFatal, map[string]any{"error": err.Error()})
		return
	}
	r.applyBrokerEvents(events)
}

func (r *Runner) finishResult(result *Result, status Status, reason StopReason) {
	result.Status = status
	result.StopReason = reason
	result.ErrorCount = r.state.errorCount
	result.FinalEquity = r.deps.Broker.Equity()
	result.FundingPaid = r.state.fundingPaid
	result.Fills = r.state.fills
	result.Exits = r.state.exits
	result.Rejections = r.state.rejections
	result.Dropped = r.state.dropped
	result.EquityCurve = r.state.curve
	result.FinishedAtMS = r.nowFn().UnixMilli()
}

func (r *Runner) fatal(result *Result, err error) (*Result, error) {
	logger.Errorf("session %s fatal: %v", r.id, err)
	r.state.errorCount++
	r.emit("fatal", ClassFatal, map[string]any{"error": err.Error()})
	r.setStatus(StatusFatal)
	r.finishResult(result, StatusFatal, StopFatalError)
	r.writeReport(result)
	return result, err
}

func (r *Runner) setStatus(s Status) {
	r.status.Store(s)
	logger.Infof("session %s: %s", r.id, s)
}

func (r *Runner) emit(kind string, class ErrorClass, payload map[string]any) {
	if r.deps.Events == nil {
		return
	}
	if err := r.deps.Events.AppendEvent(r.id, kind, string(class), r.nowFn(), payload); err != nil {
		logger.Warnf("session %s: event %s not persisted: %v", r.id, kind, err)
	}
}

func (r *Runner) saveRunRow(status Status, reason StopReason) {
	if r.deps.Runs == nil {
		return
	}
	run := &store.RunModel{
		SessionID:   r.id,
		Status:      string(status),
		StopReason:  string(reason),
		ErrorCount:  r.state.errorCount,
		StartEquity: r.state.startEquity,
		FinalEquity: r.deps.Broker.Equity(),
		StartedAt:   r.startedAt.UnixMilli(),
	}
	if status == StatusCompleted || status == StatusFatal {
		run.FinishedAt = r.nowFn().UnixMilli()
	}
	if err := r.deps.Runs.SaveRun(run); err != nil {
		logger.Warnf("session %s: run row not saved: %v", r.id, err)
	}
}

func severityFor(class ErrorClass) circuit.Severity {
	switch class {
	case ClassFatal:
		return circuit.SeverityFatal
	case ClassRisk:
		return circuit.SeverityRateLimited
	default:
		return circuit.SeverityTransient
	}
}

func waitGroupWithTimeout(group *errgroup.Group, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		if err := group.Wait(); err != nil && err != context.Canceled {
			logger.Warnf("session task exited with: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warnf("session tasks did not stop within %s grace period", timeout)
	}
}

func parseInterval(s string) (time.Duration, error) {
	switch s {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported interval %q", s)
	}
}
