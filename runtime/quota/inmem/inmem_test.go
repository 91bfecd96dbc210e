package inmem

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/neomentor/engine/runtime/quota"
)

func TestCheckAndIncrementDailyLimit(t *testing.T) {
	t.Parallel()

	l := New(quota.StaticResolver(quota.Limits{Daily: 2, Monthly: 10}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "Daily limit of 2 reached", d.Reason)

	// Another user is unaffected.
	d, err = l.CheckAndIncrement(ctx, "user-2", "voice_clone")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestMonthlyLimitSpansDays(t *testing.T) {
	t.Parallel()

	day := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := New(quota.StaticResolver(quota.Limits{Daily: -1, Monthly: 3})).
		WithClock(func() time.Time { return day })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		day = day.Add(24 * time.Hour)
	}
	d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "Monthly limit of 3 reached", d.Reason)

	// The next month starts a fresh window.
	day = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	d, err = l.CheckAndIncrement(ctx, "user-1", "voice_clone")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestUnlimitedTier(t *testing.T) {
	t.Parallel()

	l := New(quota.StaticResolver(quota.Limits{Daily: -1, Monthly: -1}))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, -1, d.Remaining)
	}
}

func TestReleaseCompensates(t *testing.T) {
	t.Parallel()

	l := New(quota.StaticResolver(quota.Limits{Daily: 1, Monthly: 1}))
	ctx := context.Background()

	d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.CheckAndIncrement(ctx, "user-1", "voice_clone")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, l.Release(ctx, "user-1", "voice_clone"))

	d, err = l.CheckAndIncrement(ctx, "user-1", "voice_clone")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestUsage(t *testing.T) {
	t.Parallel()

	l := New(quota.StaticResolver(quota.Limits{Daily: 3, Monthly: 10}))
	ctx := context.Background()

	_, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
	require.NoError(t, err)

	u, err := l.Usage(ctx, "user-1", "voice_clone")
	require.NoError(t, err)
	require.Equal(t, 1, u.Daily)
	require.Equal(t, 1, u.Monthly)
	require.Equal(t, 2, u.RemainingDaily)
	require.Equal(t, 9, u.RemainingMonthly)
}

// Concurrent callers against remaining capacity N: at most N observe allowed.
func TestConcurrentCheckAndIncrement(t *testing.T) {
	t.Parallel()

	const capacity = 5
	const callers = 50

	l := New(quota.StaticResolver(quota.Limits{Daily: capacity, Monthly: -1}))
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
			require.NoError(t, err)
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(capacity), allowed.Load())
}

func TestProperty_AtMostNAllowed(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("at most N concurrent calls succeed", prop.ForAll(
		func(capacity, callers int) bool {
			l := New(quota.StaticResolver(quota.Limits{Daily: capacity, Monthly: -1}))
			ctx := context.Background()

			var allowed atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d, err := l.CheckAndIncrement(ctx, "user-1", "voice_clone")
					if err != nil {
						return
					}
					if d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			want := capacity
			if callers < capacity {
				want = callers
			}
			return allowed.Load() == int64(want)
		},
		gen.IntRange(0, 10),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

func TestTierResolverFallsBackToFree(t *testing.T) {
	t.Parallel()

	resolve := quota.TierResolver(quota.DefaultTierLimits(), func(context.Context, string) (string, error) {
		return "unknown-tier", nil
	})
	limits, err := resolve(context.Background(), "user-1", "voice_clone")
	require.NoError(t, err)
	require.Equal(t, quota.Limits{Daily: 3, Monthly: 10}, limits)
}
