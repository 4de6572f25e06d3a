// Package holdermap implements a reference-counted registry: each
// stored value survives as long as at least one caller holds a live
// Holder for it, and is purged from the map the instant the last
// Holder referencing it is released. It backs the facade's per-inode
// mutexes and internal/secretcache's cached key, where a value must
// not be evicted while any goroutine is actively using it.
package holdermap

import (
	"sync"
	"sync/atomic"
)

// entry pairs a stored value with the count of live Holders over it.
type entry[V any] struct {
	val *V
	rc  int64
}

// Map is a concurrency-safe, reference-counted key/value registry.
type Map[K comparable, V any] struct {
	mu      sync.RWMutex
	m       map[K]*entry[V]
	onPurge func(K, *V)
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]*entry[V])}
}

// NewWithPurge returns a Map that calls onPurge(key, value) after an
// entry has been removed because its last Holder was released. The
// callback runs outside the map's lock; the value is no longer
// reachable through the map when it fires.
func NewWithPurge[K comparable, V any](onPurge func(K, *V)) *Map[K, V] {
	return &Map[K, V]{m: make(map[K]*entry[V]), onPurge: onPurge}
}

// Holder is a live reference to a value stored under key in a Map.
// Callers must call Release exactly once when done; failing to do so
// leaks the entry (it will never be purged).
type Holder[K comparable, V any] struct {
	key      K
	e        *entry[V]
	m        *Map[K, V]
	released int32
}

// Value returns the held value.
func (h *Holder[K, V]) Value() *V { return h.e.val }

// Release drops this reference. It is idempotent; calling it more
// than once has no additional effect.
func (h *Holder[K, V]) Release() {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return
	}
	if atomic.AddInt64(&h.e.rc, -1) <= 0 {
		h.m.purge(h.key, h.e)
	}
}

// Insert stores value under key, returning a live Holder for it. If
// key is already present, the existing value is returned instead and
// value is discarded, mirroring get_or_insert_with.
func (m *Map[K, V]) Insert(key K, value V) *Holder[K, V] {
	return m.GetOrInsertWith(key, func() V { return value })
}

// Get returns a live Holder for key if present, or nil. The refcount
// increment happens while the read lock is still held: a concurrent
// Release dropping the last reference needs the write lock to purge,
// so it either runs entirely before this lookup (key absent) or sees
// the incremented count and leaves the entry alone.
func (m *Map[K, V]) Get(key K) *Holder[K, V] {
	m.mu.RLock()
	e, ok := m.m[key]
	if ok {
		atomic.AddInt64(&e.rc, 1)
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return &Holder[K, V]{key: key, e: e, m: m}
}

// GetOrInsertWith returns a live Holder for key, calling f to produce
// the value the first time key is seen. f is not called if key
// already has a value. As in Get, the refcount is incremented before
// the lock is released so a racing purge can never evict the entry
// between lookup and acquisition.
func (m *Map[K, V]) GetOrInsertWith(key K, f func() V) *Holder[K, V] {
	m.mu.Lock()
	e, ok := m.m[key]
	if !ok {
		v := f()
		e = &entry[V]{val: &v}
		m.m[key] = e
	}
	atomic.AddInt64(&e.rc, 1)
	m.mu.Unlock()
	return &Holder[K, V]{key: key, e: e, m: m}
}

// purge removes key from the map if its entry still has zero live
// holders (it may have been re-acquired between the refcount hitting
// zero and purge taking the write lock).
func (m *Map[K, V]) purge(key K, e *entry[V]) {
	m.mu.Lock()
	removed := false
	if cur, ok := m.m[key]; ok && cur == e && atomic.LoadInt64(&e.rc) <= 0 {
		delete(m.m, key)
		removed = true
	}
	m.mu.Unlock()
	if removed && m.onPurge != nil {
		m.onPurge(key, e.val)
	}
}

// Len returns the number of entries currently stored, live or not yet purged.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// IsEmpty reports whether the map holds no entries.
func (m *Map[K, V]) IsEmpty() bool { return m.Len() == 0 }
