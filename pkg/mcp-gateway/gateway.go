package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-security-go/pkg/toolset"
)

const instructions = "Security tools from several upstream MCP servers. " +
	"Every tool name is prefixed with the toolset it comes from, e.g. secops_mcp__search_security_events."

// Gateway fronts a set of remote toolsets with one MCP server. Each toolset
// is a cached, reconnecting proxy; its tools are re-exposed as
// <toolset><separator><tool>.
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options
	server  *capability.Server

	order    []string
	toolsets map[string]*toolset.Toolset

	mu     sync.Mutex
	synced map[string]int
	failed map[string]error
}

// SyncReport is the outcome of Sync.
type SyncReport struct {
	// Loaded maps each registered toolset to its tool count.
	Loaded map[string]int
	// Failed maps each toolset that could not be listed to the cause.
	Failed map[string]error
}

// NewGateway builds a Gateway over specs. No upstream is contacted until Sync
// or the first call.
func NewGateway(specs []ToolsetSpec, opts *Options) (*Gateway, error) {
	options := opts.withDefaults()
	configs := make(map[string]mcpmgr.ServerConfig, len(specs))
	for _, spec := range specs {
		if spec.Name == StatusOwner {
			return nil, fmt.Errorf("mcpgateway: toolset name %q is reserved", StatusOwner)
		}
		if spec.Server == nil {
			return nil, fmt.Errorf("mcpgateway: toolset %q has no server config", spec.Name)
		}
		if _, dup := configs[spec.Name]; dup {
			return nil, fmt.Errorf("mcpgateway: duplicate toolset %q", spec.Name)
		}
		configs[spec.Name] = spec.Server
	}

	g := &Gateway{
		opts: options,
		server: capability.NewServer(options.Implementation, &capability.Options{
			Namespace:    capability.OwnerPrefix{Separator: options.Separator},
			Instructions: instructions,
			Logger:       options.Logger,
		}),
		toolsets: make(map[string]*toolset.Toolset, len(specs)),
		synced:   make(map[string]int),
		failed:   make(map[string]error),
	}
	g.manager = mcpmgr.NewManager(configs, &mcpmgr.ManagerOptions{
		DefaultClientName:    options.Implementation.Name,
		DefaultClientVersion: options.Implementation.Version,
		DefaultLogJSONRPC:    options.LogJSONRPC,
		OnSessionError:       g.sessionEnded,
		Logger:               options.Logger,
	})
	for _, spec := range specs {
		ts, err := toolset.New(spec.Name, dialer(g.manager, spec.Name), &toolset.Options{
			Cache:   options.Cache,
			Filter:  toolset.AllowList(spec.ToolFilter...),
			Logger:  options.Logger,
			Metrics: options.Metrics,
		})
		if err != nil {
			return nil, err
		}
		g.order = append(g.order, spec.Name)
		g.toolsets[spec.Name] = ts
		g.watchToolList(spec.Name)
	}
	if err := g.registerStatusTool(); err != nil {
		return nil, err
	}
	return g, nil
}

// sessionEnded reports an upstream session that ended with an error. The
// next call on the toolset reconnects.
func (g *Gateway) sessionEnded(name string, err error) {
	g.opts.Logger.Warn("toolset session ended", "toolset", name, "error", err)
	g.opts.Metrics.SessionFailed(name)
}

// dialer adapts the manager to a toolset dialer. A failed dial returns a nil
// interface, never a typed nil session.
func dialer(mgr *mcpmgr.Manager, serverID string) toolset.Dialer {
	return func(ctx context.Context) (toolset.Session, error) {
		s, err := mgr.Dial(ctx, serverID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Server returns the downstream server.
func (g *Gateway) Server() *capability.Server { return g.server }

// MCP returns the underlying SDK server for a transport.
func (g *Gateway) MCP() *mcp.Server { return g.server.MCP() }

// Toolsets returns the configured toolset names in configuration order.
func (g *Gateway) Toolsets() []string { return slices.Clone(g.order) }

// Toolset returns the proxy for name.
func (g *Gateway) Toolset(name string) (*toolset.Toolset, bool) {
	ts, ok := g.toolsets[name]
	return ts, ok
}

// Sync lists every toolset not yet registered, in parallel, and registers
// the tools of each one that answered. A toolset that fails is logged and
// left out; calling Sync again retries it.
func (g *Gateway) Sync(ctx context.Context) (SyncReport, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.SyncTimeout)
	defer cancel()

	g.mu.Lock()
	var pending []string
	for _, name := range g.order {
		if _, done := g.synced[name]; !done {
			pending = append(pending, name)
		}
	}
	g.mu.Unlock()

	listed := make([][]*toolset.Tool, len(pending))
	errs := make([]error, len(pending))
	var eg errgroup.Group
	for i, name := range pending {
		eg.Go(func() error {
			listed[i], errs[i] = g.toolsets[name].Tools(ctx)
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, name := range pending {
		if errs[i] == nil {
			errs[i] = g.register(name, listed[i])
		}
		if errs[i] != nil {
			g.failed[name] = errs[i]
			g.opts.Logger.Warn("toolset unavailable", "toolset", name, "error", errs[i])
			continue
		}
		delete(g.failed, name)
		g.synced[name] = len(listed[i])
		g.opts.Logger.Info("loaded toolset", "toolset", name, "tools", len(listed[i]))
	}
	report := g.reportLocked()
	if err := ctx.Err(); err != nil && len(report.Loaded) == 0 && len(pending) > 0 {
		return report, fmt.Errorf("mcpgateway: sync: %w", err)
	}
	return report, nil
}

func (g *Gateway) register(name string, tools []*toolset.Tool) error {
	for _, tool := range tools {
		if owner, ok := g.server.ToolOwner(g.server.ToolName(name, tool.Name())); ok && owner == name {
			continue
		}
		if err := g.server.AddTool(name, tool.Definition(), forward(tool)); err != nil {
			return fmt.Errorf("mcpgateway: register %s: %w", tool.Name(), err)
		}
	}
	return nil
}

func forward(tool *toolset.Tool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		return tool.Call(ctx, args)
	}
}

// Report returns the current sync state.
func (g *Gateway) Report() SyncReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reportLocked()
}

func (g *Gateway) reportLocked() SyncReport {
	report := SyncReport{Loaded: make(map[string]int, len(g.synced)), Failed: make(map[string]error, len(g.failed))}
	for k, v := range g.synced {
		report.Loaded[k] = v
	}
	for k, v := range g.failed {
		report.Failed[k] = v
	}
	return report
}

// Ready reports an error until at least one toolset is registered, or when
// none is configured.
func (g *Gateway) Ready(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.order) == 0 {
		return errors.New("mcpgateway: no toolsets enabled")
	}
	if len(g.synced) == 0 {
		names := make([]string, 0, len(g.failed))
		for name := range g.failed {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("mcpgateway: no toolset available (failed: %v)", names)
	}
	return nil
}

// Close discards every remote session and disconnects the manager.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	for _, name := range g.order {
		if err := g.toolsets[name].Close(); err != nil && !toolset.IsSessionClosed(err) {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if err := g.manager.DisconnectAllServers(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
