package registry

import (
	"slices"
	"sync"
)

// Catalog collects self-registrations made from module init functions.
// The zero value is ready to use.
type Catalog[C any] struct {
	mu      sync.Mutex
	entries []Entry[C]
}

// Register records a module under its exported type name, e.g.
// "HostsModule". Validation is deferred to discovery.
func (c *Catalog[C]) Register(typeName string, ctor Constructor[C]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry[C]{TypeName: typeName, New: ctor})
}

// Entries returns a snapshot in registration order. It satisfies Source.
func (c *Catalog[C]) Entries() ([]Entry[C], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries), nil
}

// Registry returns a lazily-discovering Registry over this catalog.
func (c *Catalog[C]) Registry() *Registry[C] {
	return New[C](c.Entries)
}
