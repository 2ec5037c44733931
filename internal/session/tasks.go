package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"marlin/internal/logger"
	"marlin/internal/market"

	"github.com/fsnotify/fsnotify"
)

// ingestionTask pulls from the provider stream, backfills detected gaps and
// hands normalized candles to the run loop. Ordering itself is enforced by
// the series when the run loop appends.
func (r *Runner) ingestionTask(ctx context.Context, events <-chan market.CandleEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.lastData.Store(r.nowFn().UnixNano())
			if from, to, gapped := r.series.Gap(ev.Candle); gapped {
				r.backfill(ctx, from, to)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.msgCh <- message{kind: msgCandle, candle: ev.Candle}:
			}
		}
	}
}

// tickIngestionTask forwards intra-bar ticks to the run loop. Ticks count as
// market data for staleness purposes but are shed without ceremony when the
// loop is busy; the next trade restates the price.
func (r *Runner) tickIngestionTask(ctx context.Context, ticks <-chan market.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			r.lastData.Store(r.nowFn().UnixNano())
			select {
			case r.msgCh <- message{kind: msgTick, tick: t}:
			default:
			}
		}
	}
}

// backfill fetches the missing range over REST and injects it ahead of the
// live candle. The fetch is rate-limited and page-capped by the source.
func (r *Runner) backfill(ctx context.Context, fromMS, toMS int64) {
	if err := r.limiter.Acquire(ctx); err != nil {
		return
	}
	missing, err := r.deps.Source.FetchRange(ctx, r.cfg.Market.Symbol, r.cfg.Market.Interval, fromMS, toMS)
	if err != nil {
		r.emit("backfill_failed", Classify(err), map[string]any{
			"from":  fromMS,
			"to":    toMS,
			"error": err.Error(),
		})
		return
	}
	r.emit("backfill", ClassDataQuality, map[string]any{
		"from": fromMS,
		"to":   toMS,
		"bars": len(missing),
	})
	for _, c := range missing {
		select {
		case <-ctx.Done():
			return
		case r.msgCh <- message{kind: msgCandle, candle: c}:
		}
	}
}

// executionTask drains the bounded intent queue and forwards each intent to
// the run loop, which owns the broker. The rate limiter throttles here, off
// the decision path; an intent that cannot get a token within the enqueue
// budget is dropped loudly rather than executed stale.
func (r *Runner) executionTask(ctx context.Context) error {
	budget := time.Duration(r.cfg.Session.ExecEnqueueTimeoutMS) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pi := <-r.intentQ:
			acquireCtx, cancel := context.WithTimeout(ctx, budget)
			err := r.limiter.Acquire(acquireCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				select {
				case r.msgCh <- message{kind: msgExecDropped, intent: pi.intent}:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.msgCh <- message{kind: msgExec, candle: pi.candle, intent: pi.intent}:
			}
		}
	}
}

// heartbeatTask posts the status tick that both publishes the snapshot and
// keeps the run loop's liveness timestamp moving while the market is quiet.
func (r *Runner) heartbeatTask(ctx context.Context) error {
	interval := time.Duration(r.cfg.Session.HeartbeatSec) * time.Second
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			select {
			case r.msgCh <- message{kind: msgHeartbeat}:
			default:
				// Run loop busy; it is beating on its own.
			}
		}
	}
}

// killSwitchTask honors the external emergency stop within one heartbeat
// interval: an fsnotify watch reacts immediately, the poll backstops
// filesystems where watches are unreliable.
func (r *Runner) killSwitchTask(ctx context.Context) error {
	path := r.cfg.Session.KillSwitchPath
	if path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.killSwitchSet(path) {
		r.RequestShutdown(StopKillSwitch)
		return nil
	}

	var watchEvents chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		dir := filepath.Dir(path)
		os.MkdirAll(dir, 0o755)
		if err := watcher.Add(dir); err == nil {
			watchEvents = make(chan fsnotify.Event, 1)
			go func() {
				for ev := range watcher.Events {
					select {
					case watchEvents <- ev:
					default:
					}
				}
			}()
		}
	}

	interval := time.Duration(r.cfg.Session.HeartbeatSec) * time.Second
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		case <-watchEvents:
		}
		if r.killSwitchSet(path) {
			r.emit("kill_switch", ClassInfo, map[string]any{"path": path})
			r.RequestShutdown(StopKillSwitch)
			return nil
		}
	}
}

func (r *Runner) killSwitchSet(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	// MARLIN_KILL=1 works where touching a file is inconvenient.
	return os.Getenv("MARLIN_KILL") == "1"
}

// staleDataTask begins shutdown when no data has arrived within the
// configured timeout. The feed going quiet is a data-quality failure, never
// silently accepted.
func (r *Runner) staleDataTask(ctx context.Context) error {
	timeout := time.Duration(r.cfg.Session.StaleDataSec) * time.Second
	check := timeout / 4
	if check > time.Second {
		check = time.Second
	}
	if check <= 0 {
		check = 50 * time.Millisecond
	}
	tick := time.NewTicker(check)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			idle := time.Duration(r.nowFn().UnixNano() - r.lastData.Load())
			if idle > timeout {
				r.emit("stale_data", ClassDataQuality, map[string]any{
					"idle_sec":    idle.Seconds(),
					"timeout_sec": timeout.Seconds(),
				})
				r.RequestShutdown(StopStaleData)
				return nil
			}
		}
	}
}

// tickerTask posts a fixed message kind on an interval (checkpoints,
// funding). Funding runs off the hot path: the run loop applies the charge
// between market events, never blocking the heartbeat.
func (r *Runner) tickerTask(ctx context.Context, interval time.Duration, kind msgKind) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			select {
			case r.msgCh <- message{kind: kind}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// startWatchdog runs the liveness monitor on a dedicated OS thread so it can
// still fire when the cooperative scheduler is wedged. It only ever reads
// the heartbeat timestamp; trading state belongs to the run loop.
func (r *Runner) startWatchdog(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	steady := time.Duration(r.cfg.Session.WatchdogSteadySec) * time.Second
	seeding := time.Duration(r.cfg.Session.WatchdogSeedingSec) * time.Second

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)

		tick := time.NewTicker(steady / 4)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				threshold := steady
				switch r.Status() {
				case StatusInitializing, StatusSeeding:
					threshold = seeding
				case StatusShuttingDown, StatusCompleted, StatusFatal:
					continue
				}
				idle := time.Duration(r.nowFn().UnixNano() - r.lastBeat.Load())
				if idle > threshold {
					logger.Errorf("watchdog: session %s unresponsive for %s (threshold %s), terminating",
						r.id, idle.Round(time.Second), threshold)
					r.terminate("watchdog_timeout")
					return
				}
			}
		}
	}()
	return done
}

func defaultTerminate(reason string) {
	logger.Errorf("force terminating process: %s", reason)
	os.Exit(2)
}
