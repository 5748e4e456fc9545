// Package cache provides generic, session-scoped caching for control-plane lookups.
package cache

import "context"

// Fetcher retrieves a value by key from a source of truth.
type Fetcher[K any, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[K any, V any] func(ctx context.Context, key K) (V, error)

// Fetch implements Fetcher.
func (f FetcherFunc[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}
