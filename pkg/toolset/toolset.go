// Package toolset proxies a remote, tool-providing MCP session. Listings are
// cached per tool-set name for the life of the process, and calls that fail
// because the peer closed the session are retried once on a fresh session.
package toolset

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
)

// Session is the subset of *mcp.ClientSession the proxy needs.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a new remote session. It is called lazily on first use and
// again after every reinitialization.
type Dialer func(ctx context.Context) (Session, error)

// Filter selects which remote tools a Toolset exposes. A nil Filter keeps
// every tool.
type Filter func(*mcp.Tool) bool

// AllowList keeps only the named tools. With no names it keeps everything.
func AllowList(names ...string) Filter {
	if len(names) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	return func(t *mcp.Tool) bool {
		_, ok := allowed[t.Name]
		return ok
	}
}

// Options configure a Toolset.
type Options struct {
	// Cache is shared across tool sets. Defaults to a private cache; callers
	// that want process-wide caching pass one instance to every Toolset.
	Cache *Cache
	// Filter narrows the remote listing before it is cached.
	Filter Filter
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// Metrics records cache and reconnect counters. Optional.
	Metrics *metrics.Metrics
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Cache == nil {
		opts.Cache = NewCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Toolset is the proxy for one named remote tool set.
type Toolset struct {
	name string
	dial Dialer
	opts Options

	mu     sync.Mutex
	handle *handle
}

// handle is a Remote Session Handle. It is replaced on reinitialization,
// never mutated.
type handle struct {
	id      string
	session Session
	opened  time.Time
}

// Tool is a remote tool exposed locally. Calls go through the owning Toolset
// so they always use its current session.
type Tool struct {
	def *mcp.Tool
	set *Toolset
}

// New creates a proxy. No session is opened until the first call.
func New(name string, dial Dialer, opts *Options) (*Toolset, error) {
	if name == "" {
		return nil, fmt.Errorf("toolset: name is required")
	}
	if dial == nil {
		return nil, fmt.Errorf("toolset: dialer is required for %q", name)
	}
	return &Toolset{name: name, dial: dial, opts: opts.withDefaults()}, nil
}

// Name returns the tool-set name, which is also its cache key.
func (t *Toolset) Name() string { return t.name }

// Tools describes the tool set's capabilities. A cached listing is returned
// without contacting the remote; otherwise the remote listing is fetched,
// filtered, cached, and returned. A closed session is reinitialized and the
// whole call retried once.
func (t *Toolset) Tools(ctx context.Context) ([]*Tool, error) {
	var used *handle
	return RetryOnClosed(ctx,
		func(ctx context.Context) ([]*Tool, error) {
			h, err := t.acquire(ctx)
			if err != nil {
				return nil, err
			}
			used = h
			if tools, ok := t.opts.Cache.Get(t.name); ok {
				t.opts.Metrics.CacheHit(t.name)
				return tools, nil
			}
			t.opts.Metrics.CacheMiss(t.name)
			tools, err := t.list(ctx, h.session)
			if err != nil {
				return nil, err
			}
			t.opts.Cache.Put(t.name, tools)
			t.opts.Logger.Debug("cached tool listing", "toolset", t.name, "tools", len(tools), "session", h.id)
			return tools, nil
		},
		func(ctx context.Context) error { return t.reinitialize(ctx, used) },
		WithName(t.name), WithLogger(t.opts.Logger),
	)
}

// Close discards the current session, if any. A later call opens a new one.
func (t *Toolset) Close() error {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.session.Close()
}

// SessionID returns the identifier of the live handle, or "" when none is
// open.
func (t *Toolset) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle == nil {
		return ""
	}
	return t.handle.id
}

func (t *Toolset) call(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	var used *handle
	return RetryOnClosed(ctx,
		func(ctx context.Context) (*mcp.CallToolResult, error) {
			h, err := t.acquire(ctx)
			if err != nil {
				return nil, err
			}
			used = h
			return h.session.CallTool(ctx, params)
		},
		func(ctx context.Context) error { return t.reinitialize(ctx, used) },
		WithName(t.name), WithLogger(t.opts.Logger),
	)
}

func (t *Toolset) acquire(ctx context.Context) (*handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle != nil {
		return t.handle, nil
	}
	h, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	t.handle = h
	return h, nil
}

// reinitialize replaces stale with a fresh handle. When another caller has
// already replaced it, the newer handle is kept.
func (t *Toolset) reinitialize(ctx context.Context, stale *handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle != nil && t.handle != stale {
		return nil
	}
	if t.handle != nil {
		if err := t.handle.session.Close(); err != nil {
			t.opts.Logger.Debug("closing stale session", "toolset", t.name, "session", t.handle.id, "error", err)
		}
		t.handle = nil
	}
	h, err := t.open(ctx)
	if err != nil {
		return err
	}
	t.handle = h
	t.opts.Metrics.SessionReinitialized(t.name)
	return nil
}

func (t *Toolset) open(ctx context.Context) (*handle, error) {
	session, err := t.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("toolset: open session for %q: %w", t.name, err)
	}
	h := &handle{id: uuid.NewString(), session: session, opened: time.Now()}
	t.opts.Logger.Debug("opened remote session", "toolset", t.name, "session", h.id)
	return h, nil
}

func (t *Toolset) list(ctx context.Context, session Session) ([]*Tool, error) {
	tools := []*Tool{}
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, def := range res.Tools {
			if def == nil {
				continue
			}
			if t.opts.Filter != nil && !t.opts.Filter(def) {
				continue
			}
			tools = append(tools, &Tool{def: def, set: t})
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// Name returns the remote tool name.
func (tl *Tool) Name() string { return tl.def.Name }

// Toolset returns the name of the tool set the tool came from.
func (tl *Tool) Toolset() string { return tl.set.name }

// Definition returns a copy of the remote tool declaration.
func (tl *Tool) Definition() *mcp.Tool {
	def := *tl.def
	return &def
}

// Call invokes the remote tool with args. A closed-session failure is retried
// once on a new session, so a call whose connection dropped after the
// upstream received it may run twice: delivery is at least once.
func (tl *Tool) Call(ctx context.Context, args any) (*mcp.CallToolResult, error) {
	return tl.set.call(ctx, &mcp.CallToolParams{Name: tl.def.Name, Arguments: args})
}

// Names returns the remote names of tools, in order.
func Names(tools []*Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tl := range tools {
		names = append(names, tl.Name())
	}
	return slices.Clip(names)
}
