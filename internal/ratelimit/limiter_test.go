package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-mta/courier/internal/cache"
	"github.com/courier-mta/courier/internal/store"
)

type fixedSchedule struct{ dailyCap int64 }

func (s fixedSchedule) DailyCap(_ *store.Sender, _ time.Time) int64 { return s.dailyCap }

func newTestLimiter(t *testing.T, schedule WarmupSchedule) (*Limiter, cache.Cache) {
	t.Helper()
	counters := cache.NewMemory()
	require.NoError(t, counters.Connect())
	t.Cleanup(func() { counters.Close() })
	return NewLimiter(DefaultConfig(), counters, schedule), counters
}

func TestCheckProviderWindow(t *testing.T) {
	limiter, counters := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.CheckProvider(ctx, "GOOGLE", 5))
	}

	err := limiter.CheckProvider(ctx, "GOOGLE", 5)
	require.Error(t, err)

	violation, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindRetryable, violation.Kind)
	assert.Equal(t, int64(5), violation.Limit)

	// The rejected reservation is released, so the window is not
	// poisoned for the retry
	value, err := counters.Get(ctx, "rate:provider:GOOGLE")
	require.NoError(t, err)
	assert.Equal(t, "5", value)
}

func TestCheckProviderIsolatedPerProvider(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.CheckProvider(ctx, "GOOGLE", 5))
	}
	require.Error(t, limiter.CheckProvider(ctx, "GOOGLE", 5))

	// Other destinations still have room
	assert.NoError(t, limiter.CheckProvider(ctx, "ZOHO", 5))
}

func TestCheckWarmup(t *testing.T) {
	limiter, _ := newTestLimiter(t, fixedSchedule{dailyCap: 2})
	ctx := context.Background()
	sender := &store.Sender{ID: "snd-1"}

	require.NoError(t, limiter.CheckWarmup(ctx, sender))
	require.NoError(t, limiter.CheckWarmup(ctx, sender))

	err := limiter.CheckWarmup(ctx, sender)
	require.Error(t, err)

	violation, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindTerminal, violation.Kind, "warmup cap must fail, not retry")
}

func TestReleaseWarmup(t *testing.T) {
	limiter, counters := newTestLimiter(t, fixedSchedule{dailyCap: 2})
	ctx := context.Background()
	sender := &store.Sender{ID: "snd-1"}
	key := warmupKey("snd-1", time.Now())

	// A reserved slot that is released leaves the cap untouched
	require.NoError(t, limiter.CheckWarmup(ctx, sender))
	limiter.ReleaseWarmup(ctx, sender)

	value, err := counters.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "0", value)

	// The full cap is still available afterwards
	require.NoError(t, limiter.CheckWarmup(ctx, sender))
	require.NoError(t, limiter.CheckWarmup(ctx, sender))
	require.Error(t, limiter.CheckWarmup(ctx, sender))
}

func TestCheckWarmupDisabled(t *testing.T) {
	counters := cache.NewMemory()
	require.NoError(t, counters.Connect())
	t.Cleanup(func() { counters.Close() })

	limiter := NewLimiter(&Config{
		ProviderWindow: time.Minute,
		ChunkWindow:    time.Minute,
		WarmupEnabled:  false,
	}, counters, fixedSchedule{dailyCap: 0})

	sender := &store.Sender{ID: "snd-1"}
	for i := 0; i < 10; i++ {
		assert.NoError(t, limiter.CheckWarmup(context.Background(), sender))
	}

	// Release is a no-op as well: no warmup key ever exists
	limiter.ReleaseWarmup(context.Background(), sender)
	exists, err := counters.Exists(context.Background(), warmupKey("snd-1", time.Now()))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLadderSchedule(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	started := func(daysAgo int) *time.Time {
		ts := now.AddDate(0, 0, -daysAgo)
		return &ts
	}
	schedule := LadderSchedule{}

	tests := []struct {
		name   string
		sender *store.Sender
		want   int64
	}{
		{"no warmup start means mature", &store.Sender{}, 1000},
		{"day 1", &store.Sender{WarmupStartAt: started(1)}, 20},
		{"day 5", &store.Sender{WarmupStartAt: started(5)}, 50},
		{"day 10", &store.Sender{WarmupStartAt: started(10)}, 100},
		{"day 20", &store.Sender{WarmupStartAt: started(20)}, 250},
		{"day 45", &store.Sender{WarmupStartAt: started(45)}, 500},
		{"day 90", &store.Sender{WarmupStartAt: started(90)}, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, schedule.DailyCap(tt.sender, now))
		})
	}
}

func TestCountChunk(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		boundary, err := limiter.CountChunk(ctx, "snd-1", 3)
		require.NoError(t, err)
		assert.Equal(t, i%3 == 0, boundary, "send %d", i)
	}

	t.Run("zero chunk size never pauses", func(t *testing.T) {
		boundary, err := limiter.CountChunk(ctx, "snd-1", 0)
		require.NoError(t, err)
		assert.False(t, boundary)
	})
}
