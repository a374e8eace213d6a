// Package metacache provides the bounded LRU mapping from file identity
// to populated metadata used to avoid re-probing files across runs
// (spec §3, §4.7 "metadata_cache").
//
// Cache is single-writer: the driver mutates it only between
// preprocessing phases; concurrent readers are not supported, matching
// spec §5 ("mutated only by the driver").
package metacache

import (
	lru "github.com/hashicorp/golang-lru"

	"chunkrunner/internal/filemeta"
)

// DefaultCapacity is the default number of entries retained, matching
// spec §3/§4.7.
const DefaultCapacity = 100_000

// Cache is a bounded LRU keyed by filemeta.Identity.
type Cache struct {
	inner *lru.Cache
}

// New constructs a Cache with the given capacity. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, err := lru.New(capacity)
	if err != nil {
		// lru.New only errors on size <= 0, which we've already guarded.
		panic(err)
	}
	return &Cache{inner: inner}
}

// Get returns the cached metadata for id, if present.
func (c *Cache) Get(id filemeta.Identity) (filemeta.Metadata, bool) {
	v, ok := c.inner.Get(id)
	if !ok {
		return nil, false
	}
	return v.(filemeta.Metadata), true
}

// Put inserts or updates the cached metadata for id.
func (c *Cache) Put(id filemeta.Identity, meta filemeta.Metadata) {
	c.inner.Add(id, meta)
}

// Populate fills fm.Metadata from the cache if fm's identity is present
// and fm isn't already populated (spec §4.7 step 2, "maybe_populate").
func (c *Cache) Populate(fm *filemeta.FileMeta) {
	if fm.Metadata != nil {
		return
	}
	if meta, ok := c.Get(fm.Identity()); ok {
		fm.Metadata = meta
	}
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	return c.inner.Len()
}
