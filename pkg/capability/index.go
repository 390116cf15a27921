package capability

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyOwner      = "capability.owner"
	metaKeyNativeName = "capability.native_name"
)

type index struct {
	ns Namespace

	mu sync.RWMutex

	tools          map[string]toolTarget
	ownerTools     map[string][]string
	resources      map[string]string
	ownerResources map[string][]string
	owners         []string
}

type toolTarget struct {
	Name       string
	Owner      string
	NativeName string
}

func newIndex(ns Namespace) *index {
	return &index{
		ns:             ns,
		tools:          make(map[string]toolTarget),
		ownerTools:     make(map[string][]string),
		resources:      make(map[string]string),
		ownerResources: make(map[string][]string),
	}
}

// claimTool reserves the namespaced name for owner and returns the clone that
// should be handed to the MCP server.
func (ix *index) claimTool(owner string, tool *mcp.Tool) (*mcp.Tool, toolTarget, error) {
	name := ix.ns.ToolName(owner, tool.Name)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.tools[name]; ok {
		return nil, toolTarget{}, fmt.Errorf("%w: %q already registered by %q", ErrDuplicateTool, name, prev.Owner)
	}
	target := toolTarget{Name: name, Owner: owner, NativeName: tool.Name}
	ix.tools[name] = target
	ix.noteOwnerLocked(owner)
	ix.ownerTools[owner] = append(ix.ownerTools[owner], name)
	return cloneTool(tool, target), target, nil
}

func (ix *index) claimResource(owner, uri string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.resources[uri]; ok {
		return fmt.Errorf("%w: %q already registered by %q", ErrDuplicateResource, uri, prev)
	}
	ix.resources[uri] = owner
	ix.noteOwnerLocked(owner)
	ix.ownerResources[owner] = append(ix.ownerResources[owner], uri)
	return nil
}

func (ix *index) noteOwnerLocked(owner string) {
	if _, ok := ix.ownerTools[owner]; ok {
		return
	}
	if _, ok := ix.ownerResources[owner]; ok {
		return
	}
	ix.owners = append(ix.owners, owner)
}

func (ix *index) toolTarget(name string) (toolTarget, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	t, ok := ix.tools[name]
	return t, ok
}

func (ix *index) toolsOf(owner string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.ownerTools[owner])
}

func (ix *index) resourcesOf(owner string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.ownerResources[owner])
}

func (ix *index) toolNames() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	names := slices.Collect(maps.Keys(ix.tools))
	slices.Sort(names)
	return names
}

func (ix *index) ownerList() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.owners)
}

func (ix *index) counts() Counts {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Counts{Tools: len(ix.tools), Resources: len(ix.resources)}
}

func cloneTool(tool *mcp.Tool, target toolTarget) *mcp.Tool {
	clone := *tool
	clone.Name = target.Name
	if clone.InputSchema == nil {
		clone.InputSchema = map[string]any{"type": "object"}
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyOwner:      target.Owner,
		metaKeyNativeName: target.NativeName,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	maps.Copy(out, extras)
	return out
}
