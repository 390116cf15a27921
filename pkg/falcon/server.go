package falcon

import (
	"context"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/composer"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
	"github.com/vikashloomba/mcp-security-go/pkg/registry"
)

const instructions = "This server provides access to CrowdStrike Falcon capabilities. " +
	"Use the falcon_list_enabled_modules tool to see which capability modules are active."

// ModuleRegistry is the process-wide registry over Modules. Discovery runs
// on first use, after every init has registered.
var ModuleRegistry = sync.OnceValue(func() *registry.Registry[*Client] {
	return Modules.Registry()
})

// NewServer returns a server that prefixes every tool with "falcon_".
func NewServer(version string, logger *slog.Logger) *capability.Server {
	return capability.NewServer(&mcp.Implementation{Name: "Falcon MCP Server", Version: version}, &capability.Options{
		Namespace:    capability.FixedPrefix{Prefix: ToolPrefix},
		Instructions: instructions,
		Logger:       logger,
	})
}

// ComposeOptions configure Compose.
type ComposeOptions struct {
	// Modules is the operator list; empty enables every module.
	Modules []string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Compose authenticates client and composes the selected modules onto srv.
// Authentication failure aborts startup.
func Compose(ctx context.Context, srv *capability.Server, client *Client, opts ComposeOptions) (*composer.Composition, error) {
	if err := client.Authenticate(ctx); err != nil {
		return nil, err
	}
	return composer.Compose(ctx, srv, ModuleRegistry(), composer.Options[*Client]{
		Enabled:      opts.Modules,
		DefaultAll:   true,
		Client:       client,
		Connectivity: client.CheckConnectivity,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
}
