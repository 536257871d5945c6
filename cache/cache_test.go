// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_HitAfterMiss(t *testing.T) {
	var calls atomic.Int32
	c := New[int, string](10, 0, func(_ context.Context, k int) (string, error) {
		calls.Add(1)
		return "v", nil
	})

	for i := 0; i < 3; i++ {
		v, err := c.Get(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, int32(1), calls.Load())

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.Entries)
}

func TestCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := New[string, int](10, 0, func(_ context.Context, _ string) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	})

	const n = 50
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "latest")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every goroutine a chance to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	boom := errors.New("db down")
	var calls atomic.Int32
	c := New[int, int](10, 0, func(_ context.Context, k int) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return k * 2, nil
	})

	_, err := c.Get(context.Background(), 3)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, err := c.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 6, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_NilValuesAreCached(t *testing.T) {
	var calls atomic.Int32
	c := New[int, *string](10, 0, func(context.Context, int) (*string, error) {
		calls.Add(1)
		return nil, nil
	})

	for i := 0; i < 2; i++ {
		v, err := c.Get(context.Background(), 9)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_TTLExpiry(t *testing.T) {
	var calls atomic.Int32
	c := New[int, int32](1, 20*time.Millisecond, func(context.Context, int) (int32, error) {
		return calls.Add(1), nil
	})

	v, err := c.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	v, err = c.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	time.Sleep(60 * time.Millisecond)
	v, err = c.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}

func TestCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	var calls atomic.Int32
	c := New[int, int](2, 0, func(_ context.Context, k int) (int, error) {
		calls.Add(1)
		return k, nil
	})
	ctx := context.Background()

	_, _ = c.Get(ctx, 1)
	_, _ = c.Get(ctx, 2)
	_, _ = c.Get(ctx, 1) // 2 is now least recently used
	_, _ = c.Get(ctx, 3)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(3), calls.Load())

	_, _ = c.Get(ctx, 1)
	assert.Equal(t, int32(3), calls.Load())
	_, _ = c.Get(ctx, 2)
	assert.Equal(t, int32(4), calls.Load())
}

func TestCache_Invalidate(t *testing.T) {
	var version atomic.Int32
	c := New[string, int32](10, 0, func(context.Context, string) (int32, error) {
		return version.Load(), nil
	})
	ctx := context.Background()

	v, _ := c.Get(ctx, "actor")
	assert.Equal(t, int32(0), v)

	version.Store(1)
	v, _ = c.Get(ctx, "actor")
	assert.Equal(t, int32(0), v, "stale until invalidated")

	c.Invalidate("actor")
	v, _ = c.Get(ctx, "actor")
	assert.Equal(t, int32(1), v)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCache_CallerCancellationDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	var fetchErr atomic.Value
	c := New[int, int](10, 0, func(ctx context.Context, _ int) (int, error) {
		<-release
		if err := ctx.Err(); err != nil {
			fetchErr.Store(err)
		}
		return 7, nil
	})

	impatient, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(impatient, 1)
		done <- err
	}()

	patient := make(chan int, 1)
	go func() {
		v, _ := c.Get(context.Background(), 1)
		patient <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.Equal(t, 7, <-patient)
	assert.Nil(t, fetchErr.Load(), "shared fetch must not see the caller's cancellation")
}
