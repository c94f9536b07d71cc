package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of entries kept by a VersionedCache.
const DefaultCacheSize = 4096

// VersionedCache is a read cache owned by one index component.
// Every write to the component calls Bump, which increments the version and
// drops all cached data. Readers capture Version before loading from the store
// and publish with that version; a publish from a stale version is discarded.
type VersionedCache[K comparable, V any] struct {
	mu      sync.Mutex
	version uint64
	entries *lru.Cache[K, V]
}

// NewVersionedCache creates a cache holding at most size entries.
func NewVersionedCache[K comparable, V any](size int) *VersionedCache[K, V] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, _ := lru.New[K, V](size)
	return &VersionedCache[K, V]{entries: entries}
}

// Version returns the current version.
func (c *VersionedCache[K, V]) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Get returns the cached value for key.
func (c *VersionedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(key)
}

// Add caches value if version is still current.
func (c *VersionedCache[K, V]) Add(version uint64, key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.version {
		return
	}
	c.entries.Add(key, value)
}

// Bump invalidates all cached data and returns the new version.
func (c *VersionedCache[K, V]) Bump() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.entries.Purge()
	return c.version
}

// Len returns the number of cached entries.
func (c *VersionedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
