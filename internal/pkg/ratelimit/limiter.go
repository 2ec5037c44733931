package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrAcquireTimeout = errors.New("rate limiter acquire timed out")

// Limiter is a token bucket guarding outbound exchange calls. Refill is
// computed lazily from elapsed time, so an idle limiter costs nothing.
type Limiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
	nowFn  func() time.Time
}

func NewLimiter(rate float64, burst int) *Limiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		rate:  rate,
		burst: float64(burst),
		nowFn: time.Now,
	}
	l.tokens = l.burst
	l.last = l.nowFn()
	return l
}

// Allow consumes a token without waiting. Callers that must not suspend the
// scheduler use this and reschedule themselves on false.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Acquire blocks until a token is available or ctx is done. The wait is a
// timed sleep sized from the deficit, re-checked on wake, so a burst of
// waiters does not thundering-herd the bucket.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1 - l.tokens
		wait := time.Duration(deficit / l.rate * float64(time.Second))
		l.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrAcquireTimeout
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) refill() {
	now := l.nowFn()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}
