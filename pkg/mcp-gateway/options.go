package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
	"github.com/vikashloomba/mcp-security-go/pkg/toolset"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Separator joins the toolset name and the remote tool name. Defaults to "__".
	Separator string
	// Cache is the process-wide tool-set cache. Defaults to a new cache.
	Cache *toolset.Cache
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// Metrics records cache and reconnect counters. Optional.
	Metrics *metrics.Metrics
	// SyncTimeout bounds the initial listing of every toolset.
	SyncTimeout time.Duration
	// LogJSONRPC logs the JSON-RPC traffic of every toolset at debug level.
	LogJSONRPC bool
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "security-gateway",
			Title:   "Security MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Cache == nil {
		opts.Cache = toolset.NewCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 2 * time.Minute
	}
	return opts
}
