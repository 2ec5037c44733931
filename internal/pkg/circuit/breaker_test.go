package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int) (*CircuitBreaker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", threshold, 10*time.Minute, time.Minute)
	cb.nowFn = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAtWeightedThreshold(t *testing.T) {
	cb, _ := newTestBreaker(5)
	for i := 0; i < 4; i++ {
		cb.RecordFailure(SeverityTransient, "timeout")
	}
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure(SeverityTransient, "timeout")
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, "timeout", cb.TripReason())
	assert.False(t, cb.Allow())
}

func TestBreakerSeverityWeights(t *testing.T) {
	cb, _ := newTestBreaker(6)
	cb.RecordFailure(SeverityFatal, "auth rejected") // weight 5, still under 6
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure(SeverityTransient, "timeout") // 5+1 reaches the threshold
	assert.Equal(t, StateOpen, cb.State())

	single, _ := newTestBreaker(5)
	single.RecordFailure(SeverityFatal, "auth rejected") // weight 5 trips at threshold 5 alone
	assert.Equal(t, StateOpen, single.State())
}

func TestBreakerSlidingWindowForgetsOldFailures(t *testing.T) {
	cb, now := newTestBreaker(5)
	for i := 0; i < 4; i++ {
		cb.RecordFailure(SeverityTransient, "timeout")
	}
	*now = now.Add(11 * time.Minute) // everything above leaves the window
	cb.RecordFailure(SeverityTransient, "timeout")
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	cb, now := newTestBreaker(1)
	cb.RecordFailure(SeverityFatal, "boom")
	require.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	*now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow()) // single trial admitted
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow()) // no second trial while one is in flight

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1)
	cb.RecordFailure(SeverityFatal, "boom")
	*now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.RecordFailure(SeverityTransient, "still broken")
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerAnchorEquitySetOnce(t *testing.T) {
	cb, _ := newTestBreaker(5)
	cb.SetAnchorEquity(10_000)
	cb.SetAnchorEquity(9_000) // ignored: anchor is set once per session
	eq, ok := cb.AnchorEquity()
	require.True(t, ok)
	assert.Equal(t, 10_000.0, eq)

	cb.Reset()
	_, ok = cb.AnchorEquity()
	assert.False(t, ok)
}
