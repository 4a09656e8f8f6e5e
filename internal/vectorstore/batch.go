package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultBatchSize bounds the number of items per backend request.
const DefaultBatchSize = 50

// BatchConfig controls how writes are split into backend requests.
type BatchConfig struct {
	// Size is the number of items per request.
	// Default: 50
	Size int

	// RateLimit caps dispatched batches per second. 0 disables limiting.
	RateLimit float64
}

func (c BatchConfig) batcher() batcher {
	var limiter *rate.Limiter
	if c.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), 1)
	}
	return newBatcher(c.Size, limiter)
}

// batcher splits work into fixed-size batches and dispatches them one after
// another, optionally gated by a rate limiter.
type batcher struct {
	size    int
	limiter *rate.Limiter
}

func newBatcher(size int, limiter *rate.Limiter) batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return batcher{size: size, limiter: limiter}
}

// dispatchBatches calls fn for each batch in order and stops at the first error.
func dispatchBatches[T any](ctx context.Context, b batcher, items []T, fn func(ctx context.Context, batch []T) error) error {
	for i, batch := range lo.Chunk(items, b.size) {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}
		if err := fn(ctx, batch); err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return nil
}

// initGroup runs a partition's lazy initialization at most once at a time
// and remembers successful outcomes. Concurrent callers for the same key
// share one attempt. A failed attempt is not remembered, so the next call
// retries.
type initGroup struct {
	group singleflight.Group
	ready sync.Map // key -> value returned by the initializer
}

// do returns the cached value for key or runs init to produce it.
func (g *initGroup) do(ctx context.Context, key string, init func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := g.ready.Load(key); ok {
		return v, nil
	}
	v, err, _ := g.group.Do(key, func() (any, error) {
		if v, ok := g.ready.Load(key); ok {
			return v, nil
		}
		v, err := init(ctx)
		if err != nil {
			return nil, err
		}
		g.ready.Store(key, v)
		return v, nil
	})
	return v, err
}

// forget drops a cached outcome, e.g. after the partition was deleted.
func (g *initGroup) forget(key string) {
	g.ready.Delete(key)
}

// peek returns the cached value without initializing.
func (g *initGroup) peek(key string) (any, bool) {
	return g.ready.Load(key)
}

// each calls fn for every cached value.
func (g *initGroup) each(fn func(key string, v any)) {
	g.ready.Range(func(k, v any) bool {
		fn(k.(string), v)
		return true
	})
}
