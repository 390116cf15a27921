// Package registry discovers capability modules and memoizes the
// name-to-constructor map for the life of the process.
//
// Modules announce themselves from init() by calling Register on a Catalog.
// Nothing is validated at that point: the first call to Available or Names
// scans the catalog once, and any bad entry fails the whole pass.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
)

const (
	moduleSuffix   = "Module"
	baseModuleName = "BaseModule"
)

// ErrDiscovery marks a failed discovery pass.
var ErrDiscovery = errors.New("registry: discovery failed")

// Constructor builds a module around a shared backend client.
type Constructor[C any] func(client C) capability.Module

// Entry is one discovered candidate: the exported type name and its
// constructor.
type Entry[C any] struct {
	TypeName string
	New      Constructor[C]
}

// Source enumerates candidate entries. It is invoked at most once per
// Registry.
type Source[C any] func() ([]Entry[C], error)

// Registry lazily resolves a Source into a normalized name map.
type Registry[C any] struct {
	discover func() (map[string]Constructor[C], error)
}

// New returns a Registry backed by source. The source is not consulted until
// the first lookup.
func New[C any](source Source[C]) *Registry[C] {
	return &Registry[C]{
		discover: sync.OnceValues(func() (map[string]Constructor[C], error) {
			return scan(source)
		}),
	}
}

// Available returns a copy of the name-to-constructor map.
func (r *Registry[C]) Available() (map[string]Constructor[C], error) {
	mods, err := r.discover()
	if err != nil {
		return nil, err
	}
	return maps.Clone(mods), nil
}

// Names returns the sorted normalized module names.
func (r *Registry[C]) Names() ([]string, error) {
	mods, err := r.discover()
	if err != nil {
		return nil, err
	}
	names := slices.Collect(maps.Keys(mods))
	slices.Sort(names)
	return names, nil
}

// Lookup resolves a single normalized name.
func (r *Registry[C]) Lookup(name string) (Constructor[C], bool, error) {
	mods, err := r.discover()
	if err != nil {
		return nil, false, err
	}
	ctor, ok := mods[name]
	return ctor, ok, nil
}

// Normalize derives a module key from an exported type name:
// "HostsModule" becomes "hosts".
func Normalize(typeName string) string {
	return strings.ToLower(strings.TrimSuffix(typeName, moduleSuffix))
}

func scan[C any](source Source[C]) (map[string]Constructor[C], error) {
	if source == nil {
		return nil, fmt.Errorf("%w: no module source", ErrDiscovery)
	}
	entries, err := source()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	mods := make(map[string]Constructor[C], len(entries))
	owners := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.TypeName == baseModuleName {
			continue
		}
		if !strings.HasSuffix(e.TypeName, moduleSuffix) {
			return nil, fmt.Errorf("%w: %q does not follow the *%s naming convention", ErrDiscovery, e.TypeName, moduleSuffix)
		}
		name := Normalize(e.TypeName)
		if name == "" {
			return nil, fmt.Errorf("%w: %q normalizes to an empty name", ErrDiscovery, e.TypeName)
		}
		if e.New == nil {
			return nil, fmt.Errorf("%w: %q has no constructor", ErrDiscovery, e.TypeName)
		}
		if prev, dup := owners[name]; dup {
			return nil, fmt.Errorf("%w: %q and %q both normalize to %q", ErrDiscovery, prev, e.TypeName, name)
		}
		owners[name] = e.TypeName
		mods[name] = e.New
	}
	return mods, nil
}
