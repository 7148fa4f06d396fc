package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL        time.Duration
	MaxEntries int
	// LoadTimeout bounds a shared load; zero means DefaultLoadTimeout
	LoadTimeout time.Duration
}

const DefaultLoadTimeout = 10 * time.Second

type MetricsHooks struct {
	OnHit  func()
	OnMiss func()
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache keeps successful loads for TTL. Failed loads are never stored, and
// concurrent loads of one key collapse into a single call.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
	now     func() time.Time
}

// Loader returns the value for key; ok=false means "not found" and is not cached.
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

type loadResult[V any] struct {
	val V
	ok  bool
}

func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		opts:    opts,
		metrics: hooks,
		now:     time.Now,
	}
}

func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	if v, ok := c.Peek(key); ok {
		if c.metrics.OnHit != nil {
			c.metrics.OnHit()
		}
		return v, true, nil
	}
	if c.metrics.OnMiss != nil {
		c.metrics.OnMiss()
	}

	// The load runs detached from any single caller so one caller giving up
	// does not fail everyone joined on the same key.
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout())
		defer cancel()
		val, ok, err := loader(loadCtx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			c.Set(key, val)
		}
		return loadResult[V]{val: val, ok: ok}, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		r := res.Val.(loadResult[V])
		return r.val, r.ok, nil
	}
}

func (c *Cache[V]) loadTimeout() time.Duration {
	if c.opts.LoadTimeout > 0 {
		return c.opts.LoadTimeout
	}
	return DefaultLoadTimeout
}

// Peek returns an unexpired value without loading.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.deleteLocked(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Set(key string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry[V]{value: val, expiresAt: c.now().Add(c.opts.TTL)}
	c.evictLocked()
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) deleteLocked(key string) {
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictLocked drops the oldest insertions beyond MaxEntries (FIFO).
func (c *Cache[V]) evictLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}
