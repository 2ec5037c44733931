package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNeverExceedsJitteredCap(t *testing.T) {
	b := New(time.Second, 30*time.Second)
	cap := time.Duration(float64(30*time.Second) * 1.2)
	for i := 0; i < 200; i++ {
		d := b.Next()
		assert.LessOrEqual(t, d, cap, "attempt %d", i)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := New(time.Second, 30*time.Second)
	b.Jitter = 0 // deterministic for the growth assertion

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestSleepReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Minute))
}

func TestSleepCompletes(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))
}
