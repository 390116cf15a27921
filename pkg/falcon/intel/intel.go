// Package intel exposes Falcon Intelligence actor and indicator search.
package intel

import (
	"context"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/falcon"
)

const owner = "intel"

func init() {
	falcon.Register("IntelModule", New)
}

// Module searches threat actors and indicators.
type Module struct {
	client *falcon.Client
}

// New builds the module around a shared client.
func New(client *falcon.Client) capability.Module {
	return &Module{client: client}
}

var qProp = map[string]any{"type": "string", "description": "Free text search across all indexed fields."}

func (m *Module) RegisterTools(srv *capability.Server) error {
	actors := &mcp.Tool{
		Name:        "search_actors",
		Description: "Research threat actors and adversary groups tracked by CrowdStrike intelligence.",
		InputSchema: falcon.SearchSchema(
			"FQL filter for actors, e.g. animal_classifier:'BEAR'.",
			"Sort as {field}|{asc/desc}. Fields: name, target_countries, target_industries, type, created_date, last_activity_date, last_modified_date.",
			5000,
			map[string]any{"q": qProp}),
	}
	if err := srv.AddTool(owner, actors, m.searchActors); err != nil {
		return err
	}
	indicators := &mcp.Tool{
		Name:        "search_indicators",
		Description: "Search for threat indicators and indicators of compromise (IOCs) from CrowdStrike intelligence.",
		InputSchema: falcon.SearchSchema(
			"FQL filter for indicators, e.g. type:'domain'+malicious_confidence:'high'.",
			"Sort as {field}|{asc/desc}. Fields: id, indicator, type, published_date, last_updated, _marker.",
			5000,
			map[string]any{
				"q":                 qProp,
				"include_deleted":   map[string]any{"type": "boolean", "description": "Include both published and deleted indicators.", "default": false},
				"include_relations": map[string]any{"type": "boolean", "description": "Include related indicators.", "default": false},
			}),
	}
	return srv.AddTool(owner, indicators, m.searchIndicators)
}

func (m *Module) searchActors(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params falcon.SearchParams
	if err := capability.ParseArgs(req, &params); err != nil {
		return nil, err
	}
	res, err := m.client.Command(ctx, falcon.QueryIntelActorEntities, params.Query(10), nil)
	return falcon.Result(res, "Failed to search actors", err)
}

func (m *Module) searchIndicators(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		falcon.SearchParams
		IncludeDeleted   bool `json:"include_deleted"`
		IncludeRelations bool `json:"include_relations"`
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	query := args.Query(10)
	query.Set("include_deleted", strconv.FormatBool(args.IncludeDeleted))
	query.Set("include_relations", strconv.FormatBool(args.IncludeRelations))
	res, err := m.client.Command(ctx, falcon.QueryIntelIndicatorEntities, query, nil)
	return falcon.Result(res, "Failed to search indicators", err)
}
