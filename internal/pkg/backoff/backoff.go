package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff produces exponentially growing reconnect delays with ±20% jitter,
// capped at Max. Reset drops back to Min after a sustained healthy period.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.2 for ±20%

	mu      sync.Mutex
	current time.Duration
	rng     *rand.Rand
}

func New(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = 30 * time.Second
	}
	return &Backoff{
		Min:    min,
		Max:    max,
		Jitter: 0.2,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to sleep before the next attempt and advances the
// schedule. The jittered value never exceeds Max*(1+Jitter).
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current <= 0 {
		b.current = b.Min
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	if b.Jitter > 0 {
		span := float64(d) * b.Jitter
		d += time.Duration((b.rng.Float64()*2 - 1) * span)
	}
	if d < 0 {
		d = b.Min
	}
	return d
}

// Reset returns the schedule to Min. Called after the connection has stayed
// healthy long enough to trust it again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.Min
	b.mu.Unlock()
}

// Sleep waits for the next delay or until ctx is done; it reports false on
// cancellation so reconnect loops can exit promptly.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
