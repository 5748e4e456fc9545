package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// lruEntry is the internal structure stored in the linked list. A failed fetch is cached as an
// entry with err set until it expires.
type lruEntry[K comparable, V any] struct {
	key     K
	value   V
	err     error
	expires time.Time
}

type inflight[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// LRUConfig configures an InMemoryLRUCache.
type LRUConfig struct {
	// MaxSize is the maximum number of entries. Must be > 0.
	MaxSize int
	// ErrorTTL keeps fetch failures cached for this long, so a missing device cannot trigger a
	// control-plane call per message. Zero disables negative caching.
	ErrorTTL time.Duration
}

// InMemoryLRUCache is a thread-safe, size-limited cache with least-recently-used eviction that
// populates itself from a fallback Fetcher. Concurrent misses for one key share a single fetch.
type InMemoryLRUCache[K comparable, V any] struct {
	cfg      LRUConfig
	fallback Fetcher[K, V]
	now      func() time.Time

	mu       sync.Mutex
	ll       *list.List
	entries  map[K]*list.Element
	inflight map[K]*inflight[V]
}

// NewInMemoryLRUCache creates a new LRU cache backed by fallback.
func NewInMemoryLRUCache[K comparable, V any](cfg LRUConfig, fallback Fetcher[K, V]) (*InMemoryLRUCache[K, V], error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if fallback == nil {
		return nil, fmt.Errorf("fallback fetcher cannot be nil")
	}
	return &InMemoryLRUCache[K, V]{
		cfg:      cfg,
		fallback: fallback,
		now:      time.Now,
		ll:       list.New(),
		entries:  make(map[K]*list.Element),
		inflight: make(map[K]*inflight[V]),
	}, nil
}

// Fetch returns the cached value for key, calling the fallback on a miss. A caller that shared
// a fetch which failed only because the fetching caller's context ended fetches again.
func (c *InMemoryLRUCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	for {
		c.mu.Lock()
		if elem, ok := c.entries[key]; ok {
			entry := elem.Value.(*lruEntry[K, V])
			if entry.err == nil || c.now().Before(entry.expires) {
				c.ll.MoveToFront(elem)
				c.mu.Unlock()
				return entry.value, entry.err
			}
			c.ll.Remove(elem)
			delete(c.entries, key)
		}
		call, ok := c.inflight[key]
		if !ok {
			break
		}
		c.mu.Unlock()
		select {
		case <-call.done:
			if isContextErr(call.err) && ctx.Err() == nil {
				continue
			}
			return call.value, call.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	call := &inflight[V]{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	call.value, call.err = c.fallback.Fetch(ctx, key)

	c.mu.Lock()
	delete(c.inflight, key)
	if call.err == nil || (c.cfg.ErrorTTL > 0 && ctx.Err() == nil) {
		c.store(key, call.value, call.err)
	}
	c.mu.Unlock()
	close(call.done)

	return call.value, call.err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// store must be called with the mutex held.
func (c *InMemoryLRUCache[K, V]) store(key K, value V, err error) {
	entry := &lruEntry[K, V]{key: key, value: value, err: err}
	if err != nil {
		entry.expires = c.now().Add(c.cfg.ErrorTTL)
	}
	c.entries[key] = c.ll.PushFront(entry)
	for c.ll.Len() > c.cfg.MaxSize {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry[K, V]).key)
	}
}

// Invalidate drops key from the cache.
func (c *InMemoryLRUCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.ll.Remove(elem)
		delete(c.entries, key)
	}
}

// Len returns the number of cached entries.
func (c *InMemoryLRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
