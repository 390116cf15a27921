package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	// ErrDuplicateTool is returned when a second owner claims a tool name.
	ErrDuplicateTool = errors.New("capability: duplicate tool")
	// ErrDuplicateResource is returned when a second owner claims a resource URI.
	ErrDuplicateResource = errors.New("capability: duplicate resource")
)

// Module is the contract every capability module implements. Modules are
// constructed with a pre-authenticated backend client and add their tools to
// the shared server.
type Module interface {
	RegisterTools(srv *Server) error
}

// ResourceRegistrar is implemented by modules that also publish static
// resources. Composition checks for it with a type assertion.
type ResourceRegistrar interface {
	RegisterResources(srv *Server) error
}

// Counts summarizes what has been registered on a Server.
type Counts struct {
	Tools     int
	Resources int
}

// Options configure a Server.
type Options struct {
	// Namespace maps module tool names to the flat names clients see.
	// Defaults to Verbatim.
	Namespace Namespace
	// Instructions are advertised to clients during initialization.
	Instructions string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Namespace == nil {
		opts.Namespace = Verbatim{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Server wraps an MCP server and enforces that each capability name is owned
// by exactly one module.
type Server struct {
	mcp    *mcp.Server
	opts   Options
	index  *index
	logger *slog.Logger
}

// NewServer creates a Server advertising impl.
func NewServer(impl *mcp.Implementation, opts *Options) *Server {
	options := opts.withDefaults()
	return &Server{
		mcp: mcp.NewServer(impl, &mcp.ServerOptions{
			Instructions: options.Instructions,
			HasTools:     true,
		}),
		opts:   options,
		index:  newIndex(options.Namespace),
		logger: options.Logger,
	}
}

// MCP returns the underlying MCP server, for running it on a transport.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Logger returns the server logger so modules can log consistently.
func (s *Server) Logger() *slog.Logger { return s.logger }

// ToolName reports the flat name a tool declared by owner is exposed under.
func (s *Server) ToolName(owner, name string) string {
	return s.opts.Namespace.ToolName(owner, name)
}

// AddTool registers tool on behalf of owner. The tool name is passed through
// the server Namespace. Handler errors and panics are converted into IsError
// results so a failing call never escapes the invocation boundary.
func (s *Server) AddTool(owner string, tool *mcp.Tool, handler mcp.ToolHandler) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("capability: tool name is required (owner %q)", owner)
	}
	if handler == nil {
		return fmt.Errorf("capability: handler is required for %q", tool.Name)
	}
	clone, target, err := s.index.claimTool(owner, tool)
	if err != nil {
		return err
	}
	s.mcp.AddTool(clone, s.guard(target, handler))
	return nil
}

// AddResource registers a resource on behalf of owner. URIs are not
// namespaced.
func (s *Server) AddResource(owner string, res *mcp.Resource, handler mcp.ResourceHandler) error {
	if res == nil || res.URI == "" {
		return fmt.Errorf("capability: resource URI is required (owner %q)", owner)
	}
	if handler == nil {
		return fmt.Errorf("capability: handler is required for %q", res.URI)
	}
	if err := s.index.claimResource(owner, res.URI); err != nil {
		return err
	}
	s.mcp.AddResource(res, handler)
	return nil
}

// AddTextResource publishes a static text document.
func (s *Server) AddTextResource(owner string, res *mcp.Resource, text string) error {
	if res == nil {
		return fmt.Errorf("capability: resource is required (owner %q)", owner)
	}
	mime := res.MIMEType
	if mime == "" {
		mime = "text/plain"
	}
	uri := res.URI
	return s.AddResource(owner, res, func(context.Context, *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: mime, Text: text}},
		}, nil
	})
}

// ToolOwner reports which owner registered the flat tool name.
func (s *Server) ToolOwner(name string) (string, bool) {
	t, ok := s.index.toolTarget(name)
	return t.Owner, ok
}

// Tools lists the flat tool names registered by owner, in registration order.
func (s *Server) Tools(owner string) []string { return s.index.toolsOf(owner) }

// Resources lists the resource URIs registered by owner.
func (s *Server) Resources(owner string) []string { return s.index.resourcesOf(owner) }

// ToolNames lists every registered tool name, sorted.
func (s *Server) ToolNames() []string { return s.index.toolNames() }

// Owners lists owners in the order they first registered something.
func (s *Server) Owners() []string { return s.index.ownerList() }

// Counts reports the number of registered tools and resources.
func (s *Server) Counts() Counts { return s.index.counts() }

func (s *Server) guard(target toolTarget, handler mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (res *mcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("tool handler panicked", "tool", target.Name, "owner", target.Owner, "panic", r)
				res, err = Failure(fmt.Sprintf("tool %s failed unexpectedly", target.Name), map[string]any{"panic": fmt.Sprint(r)}), nil
			}
		}()
		res, err = handler(ctx, req)
		if err != nil {
			s.logger.Warn("tool call failed", "tool", target.Name, "owner", target.Owner, "error", err)
			return FromError(err), nil
		}
		if res == nil {
			res = &mcp.CallToolResult{Content: []mcp.Content{}}
		}
		return res, nil
	}
}
