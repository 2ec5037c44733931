package market

import "context"

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	Drops           int
	LastError       string
}

// Source is the pluggable market data provider contract. Implementations:
// the live Binance gateway, the deterministic replay source used by tests,
// and the REST-only seed fetcher.
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// FetchRange fetches closed candles covering [startMS, endMS). Used for
	// gap backfill; implementations cap the number of pages they will walk.
	FetchRange(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]Candle, error)

	Subscribe(ctx context.Context, symbol, interval string, opts SubscribeOptions) (<-chan CandleEvent, error)

	// SubscribeTicks streams intra-bar trade ticks for protective-exit
	// checks between bar closes. The channel stays open (silent) when the
	// provider has nothing to emit.
	SubscribeTicks(ctx context.Context, symbol string, opts SubscribeOptions) (<-chan Tick, error)

	Stats() SourceStats

	Close() error
}
