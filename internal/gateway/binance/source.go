package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marlin/internal/logger"
	"marlin/internal/market"
	"marlin/internal/pkg/backoff"
	"marlin/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Source implements market.Source on top of the go-binance futures SDK:
// REST for history/backfill, combined kline websocket for streaming.
type Source struct {
	cfg    Config
	client *futures.Client

	mu           sync.Mutex
	streamCancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Source{cfg: final, client: client}, nil
}

func (s *Source) FetchHistory(ctx context.Context, sym, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	sym = symbol.Binance.ToExchange(sym)
	if sym == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := s.client.NewKlinesService().Symbol(sym).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	return convertKlines(kls), nil
}

// FetchRange walks the REST endpoint forward from startMS until endMS is
// covered, bounded by the configured page cap so a misbehaving endpoint
// cannot trap us in an infinite loop.
func (s *Source) FetchRange(ctx context.Context, sym, interval string, startMS, endMS int64) ([]market.Candle, error) {
	if endMS <= startMS {
		return nil, nil
	}
	sym = symbol.Binance.ToExchange(sym)
	interval = strings.ToLower(strings.TrimSpace(interval))
	var out []market.Candle
	cursor := startMS
	for page := 0; page < s.cfg.BackfillPageCap; page++ {
		kls, err := s.client.NewKlinesService().
			Symbol(sym).Interval(interval).
			StartTime(cursor).EndTime(endMS - 1).
			Limit(s.cfg.BackfillPage).Do(ctx)
		if err != nil {
			return out, err
		}
		batch := convertKlines(kls)
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		last := batch[len(batch)-1].OpenTime
		if last <= cursor || last >= endMS-1 {
			break
		}
		cursor = last + 1
	}
	return out, nil
}

func (s *Source) Subscribe(ctx context.Context, sym, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	sym = symbol.Binance.ToExchange(sym)
	interval = strings.ToLower(strings.TrimSpace(interval))
	if sym == "" || interval == "" {
		return nil, fmt.Errorf("symbol and interval are required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.streamCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runStreamLoop(subCtx, sym, interval, out, opts)
	}()
	return out, nil
}

// SubscribeTicks streams aggregated trades as ticks. It shares the kline
// stream's reconnect discipline but not its liveness watchdog: a quiet
// trade tape is normal, a quiet kline stream is not.
func (s *Source) SubscribeTicks(ctx context.Context, sym string, opts market.SubscribeOptions) (<-chan market.Tick, error) {
	sym = symbol.Binance.ToExchange(sym)
	if sym == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.Tick, buffer)
	go func() {
		defer close(out)
		s.runTradeLoop(ctx, sym, out, opts)
	}()
	return out, nil
}

func (s *Source) runTradeLoop(ctx context.Context, sym string, out chan market.Tick, opts market.SubscribeOptions) {
	bo := backoff.New(s.cfg.ReconnectMin, s.cfg.ReconnectMax)
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error

		handler := func(event *futures.WsAggTradeEvent) {
			t, ok := convertAggTradeEvent(event)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
			case out <- t:
			default:
				// Ticks are advisory; dropping one loses nothing the next
				// trade will not restate.
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}

		connectedAt := time.Now()
		doneC, stopC, err := futures.WsAggTradeServe(sym, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if !backoff.Sleep(ctx, bo.Next()) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			safeClose(stopC)
			<-doneC
			return
		case <-doneC:
		}
		safeClose(stopC)

		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if time.Since(connectedAt) >= s.cfg.HealthyReset {
			bo.Reset()
		}
		if !backoff.Sleep(ctx, bo.Next()) {
			return
		}
	}
}

// runStreamLoop owns reconnection. Delay grows exponentially with ±20%
// jitter, capped by config, and resets to minimum once a connection has
// stayed healthy past the HealthyReset horizon. A connection that stops
// producing messages for PongTimeout is torn down proactively instead of
// waiting for the transport to notice.
func (s *Source) runStreamLoop(ctx context.Context, sym, interval string, out chan market.CandleEvent, opts market.SubscribeOptions) {
	bo := backoff.New(s.cfg.ReconnectMin, s.cfg.ReconnectMax)
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		var lastMsg atomic.Int64
		lastMsg.Store(time.Now().UnixNano())

		handler := func(event *futures.WsKlineEvent) {
			lastMsg.Store(time.Now().UnixNano())
			ce, ok := convertKlineEvent(event)
			if !ok {
				return
			}
			s.deliver(ctx, out, ce)
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}

		connectedAt := time.Now()
		doneC, stopC, err := futures.WsKlineServe(sym, interval, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !backoff.Sleep(ctx, bo.Next()) {
				return
			}
			continue
		}
		if opts.OnConnect != nil {
			opts.OnConnect()
		}

		livenessDone := s.watchLiveness(ctx, stopC, &lastMsg)
		select {
		case <-ctx.Done():
			safeClose(stopC)
			<-doneC
			<-livenessDone
			return
		case <-doneC:
		}
		safeClose(stopC)
		<-livenessDone

		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if time.Since(connectedAt) >= s.cfg.HealthyReset {
			bo.Reset()
		}
		if !backoff.Sleep(ctx, bo.Next()) {
			return
		}
	}
}

// watchLiveness closes stopC when no message has arrived within PongTimeout,
// forcing the stream loop to reconnect.
func (s *Source) watchLiveness(ctx context.Context, stopC chan struct{}, lastMsg *atomic.Int64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(s.cfg.PongTimeout / 4)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopC:
				return
			case <-tick.C:
				idle := time.Since(time.Unix(0, lastMsg.Load()))
				if idle > s.cfg.PongTimeout {
					logger.Warnf("[binance] no messages for %s, forcing reconnect", idle.Round(time.Second))
					safeClose(stopC)
					return
				}
			}
		}
	}()
	return done
}

// deliver pushes an event into the bounded queue, dropping the oldest queued
// event when full so the stream stays current. Drops are counted, never
// silent.
func (s *Source) deliver(ctx context.Context, out chan market.CandleEvent, ce market.CandleEvent) {
	select {
	case <-ctx.Done():
		return
	case out <- ce:
		return
	default:
	}
	// Queue full: make room by discarding the oldest entry.
	select {
	case <-out:
	default:
	}
	select {
	case out <- ce:
	default:
	}
	s.recordDrop()
	logger.Warnf("[binance] delivery queue full, dropped oldest candle for %s %s", ce.Symbol, ce.Interval)
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	return nil
}

func (s *Source) recordSubscribeError(err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Reconnects++
	if err != nil {
		s.stats.LastError = err.Error()
	}
}

func (s *Source) recordDrop() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Drops++
}

func safeClose(ch chan struct{}) {
	defer func() { recover() }()
	close(ch)
}

func convertKlines(kls []*futures.Kline) []market.Candle {
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out
}

func convertKlineEvent(ev *futures.WsKlineEvent) (market.CandleEvent, bool) {
	if ev == nil {
		return market.CandleEvent{}, false
	}
	k := ev.Kline
	if !k.IsFinal {
		// Only closed bars feed the session; restated live bars are noise.
		return market.CandleEvent{}, false
	}
	return market.CandleEvent{
		Symbol:   ev.Symbol,
		Interval: k.Interval,
		Candle: market.Candle{
			OpenTime:  k.StartTime,
			CloseTime: k.EndTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Trades:    k.TradeNum,
		},
	}, true
}

func convertAggTradeEvent(ev *futures.WsAggTradeEvent) (market.Tick, bool) {
	if ev == nil {
		return market.Tick{}, false
	}
	price := parseFloat(ev.Price)
	if price <= 0 {
		return market.Tick{}, false
	}
	return market.Tick{
		Symbol:    strings.ToUpper(strings.TrimSpace(ev.Symbol)),
		Last:      price,
		EventTime: ev.Time,
	}, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
