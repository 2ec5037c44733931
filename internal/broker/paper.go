package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"marlin/internal/logger"
	"marlin/internal/market"

	"github.com/shopspring/decimal"
)

type SlippageModel string

const (
	SlippageFixed  SlippageModel = "fixed"
	SlippageRandom SlippageModel = "random"
	SlippageSize   SlippageModel = "size"
)

type PaperConfig struct {
	StartingEquity float64
	FeeRate        float64
	SpreadBps      float64
	Slippage       SlippageModel
	SlippageBps    float64
	IdempotencyTTL time.Duration
	Seed           int64 // rng seed for the random slippage model; 0 = time-based
}

// Paper simulates fills against the position state machine. The session
// runner serializes all trading calls; the mutex only guards SaveState
// racing the event path during checkpoints.
type Paper struct {
	mu  sync.Mutex
	cfg PaperConfig

	equity    decimal.Decimal
	starting  decimal.Decimal
	pos       *Position
	idem      *idemCache
	rng       *rand.Rand
	lastBarMS int64
}

func NewPaper(cfg PaperConfig) *Paper {
	if cfg.StartingEquity <= 0 {
		cfg.StartingEquity = 10_000
	}
	if cfg.Slippage == "" {
		cfg.Slippage = SlippageFixed
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	start := decimal.NewFromFloat(cfg.StartingEquity)
	return &Paper{
		cfg:      cfg,
		equity:   start,
		starting: start,
		pos:      &Position{State: PositionFlat},
		idem:     newIdemCache(cfg.IdempotencyTTL),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (b *Paper) Equity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, _ := b.equity.Float64()
	return f
}

func (b *Paper) Position() *Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *b.pos
	cp.Lots = append([]Lot(nil), b.pos.Lots...)
	return &cp
}

// OnCandle advances the position one bar (exits first), then applies the
// intent, if any. Exit-before-entry keeps a same-bar flip conservative: the
// old position leaves at its protective level before new risk is taken.
// A candle at or behind the last advanced bar applies the intent without
// advancing again, so a decision executing against the bar that produced it
// (or a bar the loop has already moved past) does not double-count.
func (b *Paper) OnCandle(ctx context.Context, c market.Candle, intent *OrderIntent) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []Event
	if c.OpenTime > b.lastBarMS {
		b.lastBarMS = c.OpenTime
		if b.pos.State == PositionOpen {
			b.pos.BarsOpen++
			if ev, closed := b.checkExitsOnBar(c); closed {
				events = append(events, ev)
			}
		}
	}
	if intent != nil {
		evs, err := b.applyIntent(c, intent)
		if err != nil {
			return events, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

// OnTick only advances trailing-stop state and protective exits; entries are
// decided on closed bars.
func (b *Paper) OnTick(ctx context.Context, t market.Tick) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos.State != PositionOpen {
		return nil, nil
	}
	price := t.Mid()
	if price <= 0 {
		return nil, nil
	}
	b.advanceTrailing(price, price)
	if level, reason, hit := b.protectiveHit(price, price); hit {
		ev := b.closePosition(level, b.pos.Qty, reason, t.EventTime)
		return []Event{ev}, nil
	}
	return nil, nil
}

func (b *Paper) UnrealizedPnL(price float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos.State != PositionOpen || price <= 0 {
		return 0
	}
	entry := b.pos.AvgEntry()
	diff := price - entry
	if b.pos.Side == SideShort {
		diff = -diff
	}
	return diff * b.pos.Qty
}

func (b *Paper) CloseAll(ctx context.Context, price float64, reason string) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos.State != PositionOpen {
		return nil, nil
	}
	if price <= 0 {
		return nil, fmt.Errorf("close all requires a valid last price")
	}
	ev := b.closePosition(price, b.pos.Qty, reason, time.Now().UnixMilli())
	return []Event{ev}, nil
}

func (b *Paper) ApplyFunding(price, rate float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos.State != PositionOpen || price <= 0 || rate == 0 {
		return 0
	}
	charge := price * b.pos.Qty * rate
	if b.pos.Side == SideShort {
		charge = -charge
	}
	b.equity = b.equity.Sub(decimal.NewFromFloat(charge))
	return charge
}

func (b *Paper) Shutdown(ctx context.Context) error { return nil }

type paperState struct {
	Equity    string    `json:"equity"`
	Starting  string    `json:"starting"`
	Position  *Position `json:"position"`
	LastBarMS int64     `json:"last_bar_ms"`
}

func (b *Paper) SaveState() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(paperState{
		Equity:    b.equity.String(),
		Starting:  b.starting.String(),
		Position:  b.pos,
		LastBarMS: b.lastBarMS,
	})
}

func (b *Paper) LoadState(raw []byte) error {
	var st paperState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("paper broker state: %w", err)
	}
	eq, err := decimal.NewFromString(st.Equity)
	if err != nil {
		return fmt.Errorf("paper broker equity: %w", err)
	}
	start, err := decimal.NewFromString(st.Starting)
	if err != nil {
		return fmt.Errorf("paper broker starting equity: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.equity = eq
	b.starting = start
	b.lastBarMS = st.LastBarMS
	if st.Position != nil {
		b.pos = st.Position
	} else {
		b.pos = &Position{State: PositionFlat}
	}
	return nil
}

func (b *Paper) applyIntent(c market.Candle, intent *OrderIntent) ([]Event, error) {
	now := c.CloseTime
	if b.idem.Remember(intent.ClientID) {
		logger.Warnf("paper: duplicate client id %s rejected", intent.ClientID)
		return []Event{{
			Type:     EventRejected,
			ClientID: intent.ClientID,
			Reason:   "duplicate_client_id",
			At:       now,
		}}, nil
	}
	if intent.Qty <= 0 {
		return []Event{{Type: EventRejected, ClientID: intent.ClientID, Reason: "non_positive_qty", At: now}}, nil
	}

	if intent.ReduceOnly {
		return b.applyReduce(c, intent), nil
	}
	if b.pos.State == PositionOpen {
		return []Event{{Type: EventRejected, ClientID: intent.ClientID, Reason: "position_already_open", At: now}}, nil
	}

	price, ok := b.entryPrice(c, intent)
	if !ok {
		return []Event{{Type: EventRejected, ClientID: intent.ClientID, Reason: "limit_not_touched", At: now}}, nil
	}
	fee := b.fee(price, intent.Qty)
	b.equity = b.equity.Sub(fee)

	b.pos = &Position{
		State:       PositionOpen,
		Side:        intent.Side,
		Qty:         intent.Qty,
		Lots:        []Lot{{Price: price, Qty: intent.Qty}},
		Stop:        intent.Stop,
		Target:      intent.Target,
		TrailingPct: intent.TrailingPct,
	}
	feeF, _ := fee.Float64()
	return []Event{{
		Type:     EventFill,
		ClientID: intent.ClientID,
		Side:     intent.Side,
		Price:    price,
		Qty:      intent.Qty,
		Fee:      feeF,
		At:       now,
	}}, nil
}

func (b *Paper) applyReduce(c market.Candle, intent *OrderIntent) []Event {
	now := c.CloseTime
	if b.pos.State != PositionOpen {
		return []Event{{Type: EventRejected, ClientID: intent.ClientID, Reason: "reduce_only_without_position", At: now}}
	}
	qty := intent.Qty
	if qty > b.pos.Qty {
		qty = b.pos.Qty
	}
	price := b.exitFillPrice(c.Close)
	ev := b.closePosition(price, qty, "reduce_only", now)
	ev.ClientID = intent.ClientID
	return []Event{ev}
}

// entryPrice resolves the fill price for an entry, or ok=false when a limit
// order was not touched within the bar.
func (b *Paper) entryPrice(c market.Candle, intent *OrderIntent) (float64, bool) {
	switch intent.Entry {
	case EntryLimit:
		if intent.LimitPrice <= 0 {
			return 0, false
		}
		touched := c.Low <= intent.LimitPrice && intent.LimitPrice <= c.High
		if !touched {
			return 0, false
		}
		return intent.LimitPrice, true
	default:
		base := c.Close
		adj := b.slippage(base, intent.Qty) + base*(b.cfg.SpreadBps/2)/10_000
		if intent.Side == SideShort {
			adj = -adj
		}
		return base + adj, true
	}
}

func (b *Paper) exitFillPrice(base float64) float64 {
	// Exits pay the spread on the other side.
	adj := base * (b.cfg.SpreadBps / 2) / 10_000
	if b.pos.Side == SideLong {
		return base - adj
	}
	return base + adj
}

func (b *Paper) slippage(price, qty float64) float64 {
	bps := b.cfg.SlippageBps
	switch b.cfg.Slippage {
	case SlippageRandom:
		bps *= b.rng.Float64()
	case SlippageSize:
		// Larger orders walk deeper into the book.
		bps *= 1 + price*qty/100_000
	}
	return price * bps / 10_000
}

func (b *Paper) fee(price, qty float64) decimal.Decimal {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(qty)).
		Mul(decimal.NewFromFloat(b.cfg.FeeRate))
}

// checkExitsOnBar applies trailing, stop and target logic for one closed
// bar. When stop and target are both touched inside the same bar the stop
// wins: the conservative assumption about intrabar path.
func (b *Paper) checkExitsOnBar(c market.Candle) (Event, bool) {
	b.advanceTrailing(c.High, c.Low)
	level, reason, hit := b.protectiveHit(c.Low, c.High)
	if !hit {
		return Event{}, false
	}
	return b.closePosition(level, b.pos.Qty, reason, c.CloseTime), true
}

// advanceTrailing moves the trailing stop only in the favorable direction.
func (b *Paper) advanceTrailing(high, low float64) {
	if b.pos.TrailingPct <= 0 {
		return
	}
	entry := b.pos.AvgEntry()
	if b.pos.Side == SideLong {
		if !b.pos.TrailActive && high > entry {
			b.pos.TrailActive = true
			b.pos.TrailStop = high * (1 - b.pos.TrailingPct/100)
			return
		}
		if b.pos.TrailActive {
			if candidate := high * (1 - b.pos.TrailingPct/100); candidate > b.pos.TrailStop {
				b.pos.TrailStop = candidate
			}
		}
		return
	}
	if !b.pos.TrailActive && low < entry {
		b.pos.TrailActive = true
		b.pos.TrailStop = low * (1 + b.pos.TrailingPct/100)
		return
	}
	if b.pos.TrailActive {
		if candidate := low * (1 + b.pos.TrailingPct/100); candidate < b.pos.TrailStop {
			b.pos.TrailStop = candidate
		}
	}
}

// protectiveHit returns the exit level and reason when the bar (or tick)
// range [low, high] crosses a protective level. Stop beats target.
func (b *Paper) protectiveHit(low, high float64) (float64, string, bool) {
	if b.pos.Side == SideLong {
		if b.pos.Stop > 0 && low <= b.pos.Stop {
			return b.pos.Stop, "stop", true
		}
		if b.pos.TrailActive && low <= b.pos.TrailStop {
			return b.pos.TrailStop, "trailing_stop", true
		}
		if b.pos.Target > 0 && high >= b.pos.Target {
			return b.pos.Target, "target", true
		}
		return 0, "", false
	}
	if b.pos.Stop > 0 && high >= b.pos.Stop {
		return b.pos.Stop, "stop", true
	}
	if b.pos.TrailActive && high >= b.pos.TrailStop {
		return b.pos.TrailStop, "trailing_stop", true
	}
	if b.pos.Target > 0 && low <= b.pos.Target {
		return b.pos.Target, "target", true
	}
	return 0, "", false
}

// closePosition consumes FIFO lots for qty at price, realizes PnL and
// charges the exit fee, and destroys the position on full close.
func (b *Paper) closePosition(price, qty float64, reason string, at int64) Event {
	if qty > b.pos.Qty {
		qty = b.pos.Qty
	}
	side := b.pos.Side
	remaining := qty
	pnl := decimal.Zero
	px := decimal.NewFromFloat(price)
	kept := b.pos.Lots[:0]
	for _, lot := range b.pos.Lots {
		if remaining <= 0 {
			kept = append(kept, lot)
			continue
		}
		take := lot.Qty
		if take > remaining {
			take = remaining
		}
		diff := px.Sub(decimal.NewFromFloat(lot.Price))
		if b.pos.Side == SideShort {
			diff = diff.Neg()
		}
		pnl = pnl.Add(diff.Mul(decimal.NewFromFloat(take)))
		remaining -= take
		if take < lot.Qty {
			kept = append(kept, Lot{Price: lot.Price, Qty: lot.Qty - take})
		}
	}
	b.pos.Lots = kept
	b.pos.Qty -= qty

	fee := b.fee(price, qty)
	b.equity = b.equity.Add(pnl).Sub(fee)

	if b.pos.Qty <= 1e-12 {
		b.pos = &Position{State: PositionFlat}
	}

	pnlF, _ := pnl.Float64()
	feeF, _ := fee.Float64()
	return Event{
		Type:   EventExit,
		Side:   side,
		Price:  price,
		Qty:    qty,
		Fee:    feeF,
		PnL:    pnlF,
		Reason: reason,
		At:     at,
	}
}
