// Package detections exposes Falcon alert search and lookup tools.
package detections

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/falcon"
)

const owner = "detections"

func init() {
	falcon.Register("DetectionsModule", New)
}

// Module searches detections and fetches their details.
type Module struct {
	client *falcon.Client
}

// New builds the module around a shared client.
func New(client *falcon.Client) capability.Module {
	return &Module{client: client}
}

var includeHiddenProp = map[string]any{
	"type":        "boolean",
	"description": "Whether to include hidden detections (default: true).",
	"default":     true,
}

func (m *Module) RegisterTools(srv *capability.Server) error {
	search := &mcp.Tool{
		Name:        "search_detections",
		Description: "Find and analyze detections to understand malicious activity in your environment.",
		InputSchema: falcon.SearchSchema(
			"FQL filter for detections, e.g. status:'new'+severity:>=70.",
			"Sort field and direction, e.g. timestamp.desc. Fields: timestamp, created_timestamp, updated_timestamp, severity, confidence, agent_id.",
			9999,
			map[string]any{
				"q":              map[string]any{"type": "string", "description": "Full text search across all metadata fields."},
				"include_hidden": includeHiddenProp,
			}),
	}
	if err := srv.AddTool(owner, search, m.searchDetections); err != nil {
		return err
	}
	details := &mcp.Tool{
		Name:        "get_detection_details",
		Description: "Retrieve detailed information for detection composite IDs.",
		InputSchema: falcon.IDsSchema("ids", "Composite ID(s) of the detections to retrieve.",
			map[string]any{"include_hidden": includeHiddenProp}),
	}
	return srv.AddTool(owner, details, m.detectionDetails)
}

type includeHidden struct {
	IncludeHidden *bool `json:"include_hidden"`
}

func (h includeHidden) body() map[string]any {
	v := true
	if h.IncludeHidden != nil {
		v = *h.IncludeHidden
	}
	return map[string]any{"include_hidden": v}
}

func (m *Module) searchDetections(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		falcon.SearchParams
		includeHidden
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	res, err := m.client.Command(ctx, falcon.GetQueriesAlertsV2, args.Query(10), nil)
	if err != nil {
		return falcon.Result(nil, "Failed to search detections", err)
	}
	ids, err := falcon.IDs(res)
	if err != nil || len(ids) == 0 {
		return falcon.Result(nil, "Failed to search detections", err)
	}
	details, err := m.client.GetByIDs(ctx, falcon.PostEntitiesAlertsV2, "composite_ids", ids, args.body())
	return falcon.Result(details, "Failed to perform operation", err)
}

func (m *Module) detectionDetails(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		IDs []string `json:"ids"`
		includeHidden
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if len(args.IDs) == 0 {
		return falcon.Result(nil, "", nil)
	}
	details, err := m.client.GetByIDs(ctx, falcon.PostEntitiesAlertsV2, "composite_ids", args.IDs, args.body())
	return falcon.Result(details, "Failed to perform operation", err)
}
