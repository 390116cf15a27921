// Package composer assembles an operator-selected set of capability modules
// into one capability server.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
	"github.com/vikashloomba/mcp-security-go/pkg/registry"
)

// CoreOwner owns the introspection tools registered by composition itself.
const CoreOwner = "core"

// ErrInvalidConfig reports an enabled-module list that does not resolve.
var ErrInvalidConfig = errors.New("composer: invalid configuration")

// Plan is the validated enabled-set: what the operator asked for and the
// subset that resolves against the registry, in operator order.
type Plan struct {
	Requested []string
	Resolved  []string
}

// ParseList splits a comma-separated module list. Entries are trimmed and
// case-folded; empties and repeats are dropped.
func ParseList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || slices.Contains(out, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Resolve checks requested against known. Any unknown name fails the whole
// plan; the error lists the unknown names and every known one.
func Resolve(requested, known []string) (Plan, error) {
	plan := Plan{Requested: slices.Clone(requested)}
	var unknown []string
	for _, name := range requested {
		if slices.Contains(known, name) {
			if !slices.Contains(plan.Resolved, name) {
				plan.Resolved = append(plan.Resolved, name)
			}
			continue
		}
		unknown = append(unknown, name)
	}
	if len(unknown) > 0 {
		avail := slices.Clone(known)
		slices.Sort(avail)
		return Plan{Requested: plan.Requested}, fmt.Errorf("%w: unknown modules %s (available: %s)",
			ErrInvalidConfig, strings.Join(unknown, ", "), strings.Join(avail, ", "))
	}
	return plan, nil
}

// Options control Compose. C is the shared backend client type.
type Options[C any] struct {
	// Enabled is the operator allow-list, already split by ParseList.
	Enabled []string
	// DefaultAll enables every known module when Enabled is empty. When
	// false an empty list enables nothing.
	DefaultAll bool
	// Client is passed to every module constructor.
	Client C
	// Connectivity backs the check_connectivity tool. Nil reports connected.
	Connectivity func(ctx context.Context) error
	Logger       *slog.Logger
	// Metrics records the composed counts. Optional.
	Metrics *metrics.Metrics
}

// Composition is the result of a successful Compose.
type Composition struct {
	plan    Plan
	known   []string
	modules map[string]capability.Module
	counts  capability.Counts
}

// Enabled returns the instantiated module names in operator order.
func (c *Composition) Enabled() []string { return append([]string{}, c.plan.Resolved...) }

// Known returns every module name the registry offered, sorted.
func (c *Composition) Known() []string { return slices.Clone(c.known) }

// Module returns the instance composed under name.
func (c *Composition) Module(name string) (capability.Module, bool) {
	m, ok := c.modules[name]
	return m, ok
}

// Counts reports tools and resources registered on the server after
// composition, introspection tools included.
func (c *Composition) Counts() capability.Counts { return c.counts }

// Compose resolves opts.Enabled against reg, instantiates each module with
// opts.Client, and registers its tools and, when it offers any, its
// resources on srv. Resolution happens before any module is constructed. A
// registration failure aborts composition without undoing earlier modules.
func Compose[C any](ctx context.Context, srv *capability.Server, reg *registry.Registry[C], opts Options[C]) (*Composition, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if srv == nil || reg == nil {
		return nil, fmt.Errorf("composer: server and registry are required")
	}

	available, err := reg.Available()
	if err != nil {
		return nil, err
	}
	known, err := reg.Names()
	if err != nil {
		return nil, err
	}

	requested := opts.Enabled
	if len(requested) == 0 && opts.DefaultAll {
		requested = known
	}
	plan, err := Resolve(requested, known)
	if err != nil {
		return nil, err
	}

	comp := &Composition{plan: plan, known: known, modules: make(map[string]capability.Module, len(plan.Resolved))}
	if err := registerCore(srv, comp, opts.Connectivity); err != nil {
		return nil, err
	}

	for _, name := range plan.Resolved {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mod := available[name](opts.Client)
		if mod == nil {
			return nil, fmt.Errorf("composer: constructor for %q returned nil", name)
		}
		comp.modules[name] = mod
		logger.Debug("initialized module", "module", name)

		if err := mod.RegisterTools(srv); err != nil {
			return nil, fmt.Errorf("composer: register tools for %q: %w", name, err)
		}
		if rr, ok := mod.(capability.ResourceRegistrar); ok {
			if err := rr.RegisterResources(srv); err != nil {
				return nil, fmt.Errorf("composer: register resources for %q: %w", name, err)
			}
		}
	}

	comp.counts = srv.Counts()
	logger.Info("initialized modules",
		"modules", len(comp.modules),
		"tools", comp.counts.Tools,
		"resources", comp.counts.Resources)
	opts.Metrics.Composed(len(comp.modules), comp.counts.Tools, comp.counts.Resources)
	return comp, nil
}

type connectivity struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type moduleList struct {
	Modules []string `json:"modules"`
}

func registerCore(srv *capability.Server, comp *Composition, check func(context.Context) error) error {
	tools := []struct {
		tool    *mcp.Tool
		handler mcp.ToolHandler
	}{
		{
			tool: &mcp.Tool{Name: "check_connectivity", Description: "Check connectivity to the backend API."},
			handler: func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				status := connectivity{Connected: true}
				if check != nil {
					if err := check(ctx); err != nil {
						status = connectivity{Error: err.Error()}
					}
				}
				return capability.JSONResult(status)
			},
		},
		{
			tool: &mcp.Tool{Name: "list_enabled_modules", Description: "List the modules enabled in this server."},
			handler: func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return capability.JSONResult(moduleList{Modules: comp.Enabled()})
			},
		},
		{
			tool: &mcp.Tool{Name: "list_modules", Description: "List every module this server can enable."},
			handler: func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return capability.JSONResult(moduleList{Modules: comp.Known()})
			},
		},
	}
	for _, t := range tools {
		if err := srv.AddTool(CoreOwner, t.tool, t.handler); err != nil {
			return fmt.Errorf("composer: register %s: %w", t.tool.Name, err)
		}
	}
	return nil
}
