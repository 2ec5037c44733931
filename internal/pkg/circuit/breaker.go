package circuit

import (
	"sync"
	"time"

	"marlin/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Severity weights a recorded failure. A burst of transient timeouts should
// take longer to trip the breaker than a couple of auth rejections.
type Severity int

const (
	SeverityTransient   Severity = 1
	SeverityRateLimited Severity = 2
	SeverityFatal       Severity = 5
)

type failure struct {
	at     time.Time
	weight Severity
}

type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      []failure
	threshold     int
	window        time.Duration
	cooldown      time.Duration
	lastFailure   time.Time
	tripReason    string
	anchorEquity  float64
	anchorSet     bool
	name          string
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, window, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// SetAnchorEquity records the session's reference equity exactly once.
// It is never moved by date rollover; only Reset clears it.
func (cb *CircuitBreaker) SetAnchorEquity(eq float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.anchorSet {
		cb.anchorEquity = eq
		cb.anchorSet = true
	}
}

func (cb *CircuitBreaker) AnchorEquity() (float64, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.anchorEquity, cb.anchorSet
}

// Allow reports whether a call may proceed. While OPEN it admits exactly one
// trial call after the cooldown by moving to HALF-OPEN.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.nowFn().Sub(cb.lastFailure) > cb.cooldown {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// Trial call is in flight; hold further traffic.
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateClosed)
		cb.failures = nil
		cb.tripReason = ""
	case StateClosed:
		cb.failures = nil
	}
}

func (cb *CircuitBreaker) RecordFailure(weight Severity, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFn()
	cb.lastFailure = now
	cb.failures = append(cb.failures, failure{at: now, weight: weight})
	cb.prune(now)

	switch cb.state {
	case StateClosed:
		if cb.weightedSum() >= cb.threshold {
			cb.tripReason = reason
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.tripReason = reason
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) TripReason() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripReason
}

// Reset closes the breaker and clears all history, anchor included.
// Operator-triggered only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	cb.failures = nil
	cb.tripReason = ""
	cb.anchorSet = false
	cb.anchorEquity = 0
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	kept := cb.failures[:0]
	for _, f := range cb.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	cb.failures = kept
}

func (cb *CircuitBreaker) weightedSum() int {
	sum := 0
	for _, f := range cb.failures {
		sum += int(f.weight)
	}
	return sum
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	} else {
		logger.Warnf("CircuitBreaker %s state change: %s -> %s (weighted=%d/%d, window=%s, cooldown=%s)",
			cb.name, from, to, cb.weightedSum(), cb.threshold, cb.window, cb.cooldown)
	}
}
