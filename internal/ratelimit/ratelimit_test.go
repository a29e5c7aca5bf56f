package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffle-core/internal/clock"
)

func TestMemoryRollingWindow(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemory(DefaultLimit, DefaultWindow, clk)
	ctx := context.Background()

	// One call per second: the first 30 pass, the rest of the minute is refused.
	allowed := 0
	for sec := 0; sec < 60; sec++ {
		ok, retryAfter, err := l.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		if ok {
			allowed++
		} else {
			assert.Equal(t, time.Duration(60-sec)*time.Second, retryAfter, "second %d", sec)
		}
		clk.Advance(time.Second)
	}
	assert.Equal(t, DefaultLimit, allowed)

	// Other clients are unaffected.
	ok, _, _ := l.Allow(ctx, "198.51.100.1")
	assert.True(t, ok)

	// At 60s the call made at 0s leaves the window, freeing exactly one slot.
	ok, _, _ = l.Allow(ctx, "203.0.113.7")
	assert.True(t, ok)
	ok, retryAfter, _ := l.Allow(ctx, "203.0.113.7")
	assert.False(t, ok)
	assert.Equal(t, time.Second, retryAfter)
}

func TestMemoryRejectedCallsDoNotConsume(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemory(2, time.Minute, clk)
	ctx := context.Background()

	l.Allow(ctx, "k")
	l.Allow(ctx, "k")
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second)
		ok, _, _ := l.Allow(ctx, "k")
		assert.False(t, ok)
	}
	clk.Advance(10 * time.Second)
	ok, _, _ := l.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryEvictsIdleKeys(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemory(1, time.Minute, clk)
	l.maxKeys = 2
	ctx := context.Background()

	l.Allow(ctx, "a")
	l.Allow(ctx, "b")
	clk.Advance(time.Minute)
	l.Allow(ctx, "c")
	assert.Len(t, l.logs, 1)
}

func TestRedisRollingWindow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	l, err := NewRedis(ctx, url, 3, time.Minute)
	require.NoError(t, err)
	defer l.Close()

	key := "test-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, retryAfter, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}
