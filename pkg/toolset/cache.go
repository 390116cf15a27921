package toolset

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Cache maps tool-set names to their filtered tool listing. Entries are
// populated once and never expire. Concurrent misses for the same name may
// both store a listing; the last write wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]*Tool

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats is a point-in-time snapshot of cache usage.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// NewCache returns an empty cache. One cache is normally shared by every
// Toolset in a process.
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]*Tool)}
}

// Get returns the listing stored under name.
func (c *Cache) Get(name string) ([]*Tool, bool) {
	c.mu.RLock()
	tools, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return slices.Clone(tools), true
}

// Put stores the listing under name.
func (c *Cache) Put(name string, tools []*Tool) {
	stored := slices.Clone(tools)
	if stored == nil {
		stored = []*Tool{}
	}
	c.mu.Lock()
	c.entries[name] = stored
	c.mu.Unlock()
}

// Names lists the cached tool-set names, sorted.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := slices.Collect(maps.Keys(c.entries))
	slices.Sort(names)
	return names
}

// Len reports the number of cached tool sets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats reports hit and miss counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.Len()}
}
