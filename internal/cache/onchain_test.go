package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/cache"
	"github.com/alanyoungcy/lpkeeper/internal/clock"
)

func TestGetOrFetch_FetchesOncePerTTL(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := cache.New[int](clk)
	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}
	key := cache.OnChainKey("pos-1")

	v, err := c.GetOrFetch(context.Background(), key, time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	clk.Advance(59 * time.Second)
	v, err = c.GetOrFetch(context.Background(), key, time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, calls)

	clk.Advance(time.Second)
	v, err = c.GetOrFetch(context.Background(), key, time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 20, v)
	assert.Equal(t, 2, calls)
}

func TestGetOrFetch_DoesNotCacheErrors(t *testing.T) {
	c := cache.New[string](nil)
	boom := errors.New("rpc down")
	calls := 0

	_, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestGetOrFetch_CollapsesConcurrentMisses(t *testing.T) {
	c := cache.New[int](nil)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 7, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 7, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestInvalidateAndSweep(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := cache.New[string](clk)

	c.Set("short", "a", time.Second)
	c.Set("long", "b", time.Hour)
	c.Set("gone", "c", time.Hour)

	c.Invalidate("gone")
	_, ok := c.Get("gone")
	assert.False(t, ok)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	v, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestGet_EvictsExpiredLazily(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := cache.New[int](clk)
	c.Set(cache.ActiveBinKey("pool"), 1000, time.Second)

	clk.Advance(time.Second)
	_, ok := c.Get(cache.ActiveBinKey("pool"))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
