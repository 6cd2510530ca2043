package catalog

import (
	"context"
	"sync"
)

// rootCache memoizes the root collection. The root is immutable apart
// from test scenarios, so a process-lifetime cache with explicit
// invalidation is enough.
type rootCache struct {
	mu   sync.Mutex
	root *Collection
}

// get returns the cached root, loading it through load on a miss.
func (c *rootCache) get(ctx context.Context, load func(context.Context) (*Collection, error)) (*Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root != nil {
		return c.root, nil
	}

	root, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.root = root

	return root, nil
}

// invalidate clears the cache.
func (c *rootCache) invalidate() {
	c.mu.Lock()
	c.root = nil
	c.mu.Unlock()
}
