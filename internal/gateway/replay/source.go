package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marlin/internal/market"
)

// Source replays a fixed candle slice as a live stream. It backs tests and
// offline dry runs: feed direction, duplicates, gaps and pauses are all
// under the caller's control.
type Source struct {
	mu      sync.Mutex
	history []market.Candle
	stream  []market.Candle
	ticks   []market.Tick
	delay   time.Duration // pause between emitted candles; 0 = as fast as consumed
	pauses  map[int]time.Duration

	stats  market.SourceStats
	cancel context.CancelFunc
}

type Option func(*Source)

// WithDelay spaces emitted candles apart, simulating a slow feed.
func WithDelay(d time.Duration) Option {
	return func(s *Source) { s.delay = d }
}

// WithPauseBefore inserts a one-off silence before the candle at index i,
// simulating a stalled feed for stale-data tests.
func WithPauseBefore(i int, d time.Duration) Option {
	return func(s *Source) { s.pauses[i] = d }
}

// WithTicks makes SubscribeTicks emit the given intra-bar ticks, spaced by
// the same delay as the candle stream.
func WithTicks(ticks ...market.Tick) Option {
	return func(s *Source) { s.ticks = ticks }
}

// New builds a replay source. history seeds FetchHistory; stream is what
// Subscribe will emit, in the given order (reversed or gapped on purpose).
func New(history, stream []market.Candle, opts ...Option) *Source {
	s := &Source{
		history: history,
		stream:  stream,
		pauses:  make(map[int]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]market.Candle, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out, nil
}

// FetchRange serves gap backfill from the replay history.
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.Candle
	for _, c := range s.history {
		if c.OpenTime >= startMS && c.OpenTime < endMS {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Source) Subscribe(ctx context.Context, symbol, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	go func() {
		defer close(out)
		for i, c := range s.stream {
			if pause, ok := s.pauses[i]; ok {
				if !sleepCtx(subCtx, pause) {
					return
				}
			}
			if s.delay > 0 && !sleepCtx(subCtx, s.delay) {
				return
			}
			select {
			case <-subCtx.Done():
				return
			case out <- market.CandleEvent{Symbol: symbol, Interval: interval, Candle: c}:
			}
		}
		// Stream exhausted; keep the channel open until cancellation so the
		// session sees silence, not EOF, like a stalled live feed.
		<-subCtx.Done()
	}()
	return out, nil
}

func (s *Source) SubscribeTicks(ctx context.Context, symbol string, opts market.SubscribeOptions) (<-chan market.Tick, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.Tick, buffer)
	go func() {
		defer close(out)
		for _, t := range s.ticks {
			if s.delay > 0 && !sleepCtx(ctx, s.delay) {
				return
			}
			t.Symbol = symbol
			select {
			case <-ctx.Done():
				return
			case out <- t:
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func (s *Source) Stats() market.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
