package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenDeny(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(10, 3)
	l.nowFn = func() time.Time { return now }
	l.last = now

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(2, 2) // 2 tokens/sec
	l.nowFn = func() time.Time { return now }
	l.last = now

	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	now = now.Add(500 * time.Millisecond) // one token back
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiterAcquireRespectsDeadline(t *testing.T) {
	l := NewLimiter(0.5, 1) // one token every 2s
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestLimiterAcquireEventuallySucceeds(t *testing.T) {
	l := NewLimiter(100, 1)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Acquire(ctx))
}
