// Package secretcache keeps a derived secret (a mount key unwrapped
// from a passphrase, a subkey derived for a file) in memory only as
// long as it is actually in use, mitigating exposure to a cold boot
// attack. A value survives for a configured TTL after it was last
// produced; once the TTL lapses the cache drops its own reference,
// and the value is wiped the instant every caller that is still
// holding it releases it too. Concurrent misses collapse into a
// single call to the provider via singleflight.
package secretcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sealfs/sealfs/internal/holdermap"
)

const cacheKey = "value"

// Provider produces the value a Cache serves on a miss.
type Provider[T any] func(ctx context.Context) (T, error)

// Cache holds a single value, regenerated lazily and expired on a timer.
type Cache[T any] struct {
	provide Provider[T]
	ttl     time.Duration
	wipe    func(*T)

	m     *holdermap.Map[string, T]
	group singleflight.Group

	mu    sync.Mutex
	owned *holdermap.Holder[string, T] // the cache's own strong reference, nil once expired
	timer *time.Timer
}

// New returns a Cache that calls provide on a miss and keeps the
// result alive for ttl. wipe, if non-nil, is called on the value the
// moment it is no longer referenced by the cache or any caller.
func New[T any](provide Provider[T], ttl time.Duration, wipe func(*T)) *Cache[T] {
	c := &Cache[T]{
		provide: provide,
		ttl:     ttl,
		wipe:    wipe,
	}
	c.m = holdermap.NewWithPurge[string, T](func(_ string, v *T) {
		if c.wipe != nil {
			c.wipe(v)
		}
	})
	return c
}

// Get returns a live Holder for the cached value, producing it first
// if necessary. Callers must Release the Holder when done with it.
func (c *Cache[T]) Get(ctx context.Context) (*holdermap.Holder[string, T], error) {
	if h := c.m.Get(cacheKey); h != nil {
		return h, nil
	}

	_, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if h := c.m.Get(cacheKey); h != nil {
			h.Release()
			return nil, nil
		}
		val, perr := c.provide(ctx)
		if perr != nil {
			return nil, perr
		}
		h := c.m.Insert(cacheKey, val)
		c.mu.Lock()
		c.owned = h
		c.resetTimerLocked()
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	h := c.m.Get(cacheKey)
	if h == nil {
		// The value expired and was wiped between the provider call
		// above and this acquire; recurse once to regenerate it.
		return c.Get(ctx)
	}
	return h, nil
}

// resetTimerLocked (re)arms the expiry timer. Callers hold c.mu.
func (c *Cache[T]) resetTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.ttl, c.onExpire)
}

// onExpire drops the cache's own reference. If no caller still holds
// the value it is purged from the map and wiped immediately (via the
// map's purge hook); if a caller is still using it, it survives —
// exactly as long as that caller's Holder — and is wiped when they
// Release it.
func (c *Cache[T]) onExpire() {
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()
	if owned != nil {
		owned.Release()
	}
}

// Clear forcibly expires and wipes the cached value now, regardless
// of the TTL.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.onExpire()
}
