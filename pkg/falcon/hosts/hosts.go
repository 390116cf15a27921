// Package hosts exposes Falcon host search and lookup tools and the FQL
// guide for host filters.
package hosts

import (
	"context"
	_ "embed"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/falcon"
)

const owner = "hosts"

// FQLGuideURI is where the host filter guide is published.
const FQLGuideURI = "falcon://hosts/search/fql-guide"

//go:embed fql_guide.md
var fqlGuide string

func init() {
	falcon.Register("HostsModule", New)
}

// Module searches hosts and fetches host details.
type Module struct {
	client *falcon.Client
}

// New builds the module around a shared client.
func New(client *falcon.Client) capability.Module {
	return &Module{client: client}
}

func (m *Module) RegisterTools(srv *capability.Server) error {
	search := &mcp.Tool{
		Name: "search_hosts",
		Description: "Search for hosts in your CrowdStrike environment. Read the " + FQLGuideURI +
			" resource before building the filter parameter.",
		InputSchema: falcon.SearchSchema(
			"FQL filter used to limit the results, e.g. platform_name:'Windows'. See "+FQLGuideURI+".",
			"Sort field and direction, e.g. hostname.asc or last_seen|desc. Fields: hostname, last_seen, first_seen, "+
				"modified_timestamp, platform_name, agent_version, os_version, external_ip.",
			5000, nil),
	}
	if err := srv.AddTool(owner, search, m.searchHosts); err != nil {
		return err
	}
	details := &mcp.Tool{
		Name:        "get_host_details",
		Description: "Retrieve detailed information for host device IDs. Use search_hosts to discover hosts.",
		InputSchema: falcon.IDsSchema("ids", "Host device IDs to retrieve details for. Maximum: 5000 IDs per request.", nil),
	}
	return srv.AddTool(owner, details, m.hostDetails)
}

func (m *Module) RegisterResources(srv *capability.Server) error {
	return srv.AddTextResource(owner, &mcp.Resource{
		URI:         FQLGuideURI,
		Name:        "falcon_search_hosts_fql_guide",
		Description: "Contains the guide for the `filter` param of the `falcon_search_hosts` tool.",
		MIMEType:    "text/markdown",
	}, fqlGuide)
}

func (m *Module) searchHosts(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params falcon.SearchParams
	if err := capability.ParseArgs(req, &params); err != nil {
		return nil, err
	}
	res, err := m.client.Command(ctx, falcon.QueryDevicesByFilter, params.Query(10), nil)
	if err != nil {
		return falcon.Result(nil, "Failed to search hosts", err)
	}
	ids, err := falcon.IDs(res)
	if err != nil || len(ids) == 0 {
		return falcon.Result(nil, "Failed to search hosts", err)
	}
	details, err := m.client.GetByIDs(ctx, falcon.PostDeviceDetailsV2, "ids", ids, nil)
	return falcon.Result(details, "Failed to perform operation", err)
}

func (m *Module) hostDetails(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		IDs []string `json:"ids"`
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if len(args.IDs) == 0 {
		return falcon.Result(nil, "", nil)
	}
	details, err := m.client.GetByIDs(ctx, falcon.PostDeviceDetailsV2, "ids", args.IDs, nil)
	return falcon.Result(details, "Failed to perform operation", err)
}
