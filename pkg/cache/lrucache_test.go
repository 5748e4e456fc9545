package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-iotmonitor/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLRUCache_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("Eviction policy works correctly", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		source := cache.FetcherFunc[string, int](func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			switch key {
			case "key1":
				return 1, nil
			case "key2":
				return 2, nil
			case "key3":
				return 3, nil
			default:
				return 0, errors.New("not found")
			}
		})
		lru, err := cache.NewInMemoryLRUCache[string, int](cache.LRUConfig{MaxSize: 2}, source)
		require.NoError(t, err)

		// Act: fill the cache, then touch key1 so key2 becomes least recently used.
		val1, _ := lru.Fetch(ctx, "key1")
		val2, _ := lru.Fetch(ctx, "key2")
		_, _ = lru.Fetch(ctx, "key1")

		// Assert
		assert.Equal(t, 1, val1)
		assert.Equal(t, 2, val2)
		assert.Equal(t, int32(2), calls.Load(), "a hit must not call the fallback")

		// Act: key3 evicts key2.
		val3, _ := lru.Fetch(ctx, "key3")
		assert.Equal(t, 3, val3)
		assert.Equal(t, 2, lru.Len())

		_, _ = lru.Fetch(ctx, "key1")
		assert.Equal(t, int32(3), calls.Load(), "key1 is still cached")
		_, _ = lru.Fetch(ctx, "key2")
		assert.Equal(t, int32(4), calls.Load(), "key2 was evicted")
	})

	t.Run("Failures are not cached without an error TTL", func(t *testing.T) {
		var calls atomic.Int32
		source := cache.FetcherFunc[string, int](func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			return 0, errors.New("device not found")
		})
		lru, err := cache.NewInMemoryLRUCache[string, int](cache.LRUConfig{MaxSize: 5}, source)
		require.NoError(t, err)

		_, err = lru.Fetch(ctx, "miss")
		require.Error(t, err)
		_, err = lru.Fetch(ctx, "miss")
		require.Error(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("Failures are cached until the error TTL expires", func(t *testing.T) {
		var calls atomic.Int32
		source := cache.FetcherFunc[string, int](func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			return 0, errors.New("device not found")
		})
		lru, err := cache.NewInMemoryLRUCache[string, int](cache.LRUConfig{MaxSize: 5, ErrorTTL: 50 * time.Millisecond}, source)
		require.NoError(t, err)

		_, err = lru.Fetch(ctx, "miss")
		require.Error(t, err)
		_, err = lru.Fetch(ctx, "miss")
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())

		require.Eventually(t, func() bool {
			_, _ = lru.Fetch(ctx, "miss")
			return calls.Load() == 2
		}, time.Second, 20*time.Millisecond)
	})

	t.Run("Concurrent misses share one fetch", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		source := cache.FetcherFunc[string, int](func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			<-release
			return 7, nil
		})
		lru, err := cache.NewInMemoryLRUCache[string, int](cache.LRUConfig{MaxSize: 5}, source)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]int, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = lru.Fetch(ctx, "tpl")
			}(i)
		}
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for _, r := range results {
			assert.Equal(t, 7, r)
		}
	})

	t.Run("A waiter refetches when the shared fetch was cancelled", func(t *testing.T) {
		// Arrange: the first fetch runs until its caller gives up.
		var calls atomic.Int32
		source := cache.FetcherFunc[string, int](func(ctx context.Context, key string) (int, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return 9, nil
		})
		lru, err := cache.NewInMemoryLRUCache[string, int](cache.LRUConfig{MaxSize: 5, ErrorTTL: time.Minute}, source)
		require.NoError(t, err)

		leaderCtx, cancel := context.WithCancel(ctx)
		leaderErr := make(chan error, 1)
		go func() {
			_, err := lru.Fetch(leaderCtx, "tpl")
			leaderErr <- err
		}()
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

		waiter := make(chan int, 1)
		go func() {
			v, err := lru.Fetch(ctx, "tpl")
			assert.NoError(t, err)
			waiter <- v
		}()
		time.Sleep(20 * time.Millisecond)

		// Act
		cancel()

		// Assert
		assert.ErrorIs(t, <-leaderErr, context.Canceled)
		select {
		case v := <-waiter:
			assert.Equal(t, 9, v)
		case <-time.After(time.Second):
			t.Fatal("waiter did not return")
		}
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("Constructor validation", func(t *testing.T) {
		_, err := cache.NewInMemoryLRUCache[string, int](cache.LRUConfig{}, cache.FetcherFunc[string, int](nil))
		require.Error(t, err)
		_, err = cache.NewInMemoryLRUCache[string, int](cache.LRUConfig{MaxSize: 1}, nil)
		require.Error(t, err)
	})
}
