package mcpgateway

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/mcpmgr"
)

// StatusOwner owns the gateway's own tools. No toolset may use the name.
const StatusOwner = "gateway"

// ToolsetStatus describes one configured toolset. Target is the endpoint of an
// HTTP toolset or the command line of a stdio one.
type ToolsetStatus struct {
	Name       string                  `json:"name"`
	Transport  mcpmgr.ConfigTransport  `json:"transport"`
	Target     string                  `json:"target"`
	Connection mcpmgr.ConnectionStatus `json:"connection"`
	Tools      int                     `json:"tools"`
	Error      string                  `json:"error,omitempty"`
}

// Status reports every toolset in configuration order. Connected sessions
// are pinged.
func (g *Gateway) Status(ctx context.Context) []ToolsetStatus {
	summaries := make(map[string]mcpmgr.ServerSummary, len(g.order))
	for _, s := range g.manager.GetServerSummaries(ctx) {
		summaries[s.ID] = s
	}
	report := g.Report()
	out := make([]ToolsetStatus, 0, len(g.order))
	for _, name := range g.order {
		s := summaries[name]
		st := ToolsetStatus{
			Name:       name,
			Transport:  mcpmgr.TransportOf(s.Config),
			Connection: s.Status,
			Tools:      report.Loaded[name],
		}
		if c, ok := mcpmgr.AsHTTP(s.Config); ok {
			st.Target = c.Endpoint
		} else if c, ok := mcpmgr.AsStdio(s.Config); ok {
			st.Target = strings.Join(append([]string{c.Command}, c.Args...), " ")
		}
		if st.Connection == "" {
			st.Connection = mcpmgr.StatusDisconnected
		}
		if err := report.Failed[name]; err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

func (g *Gateway) registerStatusTool() error {
	return g.server.AddTool(StatusOwner, &mcp.Tool{
		Name:        "list_toolsets",
		Description: "List the upstream toolsets behind this gateway with their connection state and tool counts.",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return capability.JSONResult(g.Status(ctx))
	})
}

func (g *Gateway) watchToolList(name string) {
	g.manager.OnToolListChanged(name, func(context.Context, *mcp.ToolListChangedRequest) {
		g.opts.Logger.Warn("upstream tool list changed; serving the cached listing until restart", "toolset", name)
	})
}
