package falcon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/registry"
)

// ToolPrefix is prepended to every Falcon tool name.
const ToolPrefix = "falcon"

// Modules is the catalog Falcon modules register into from init.
var Modules registry.Catalog[*Client]

// Register records a module constructor under its exported type name.
func Register(typeName string, ctor func(*Client) capability.Module) {
	Modules.Register(typeName, ctor)
}

// SearchParams are the query parameters shared by search tools.
type SearchParams struct {
	Filter string `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Sort   string `json:"sort,omitempty"`
	Q      string `json:"q,omitempty"`
}

// Query renders the non-empty fields, applying defaultLimit when unset.
func (p SearchParams) Query(defaultLimit int) url.Values {
	q := url.Values{}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	q.Set("limit", strconv.Itoa(limit))
	if p.Filter != "" {
		q.Set("filter", p.Filter)
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	if p.Sort != "" {
		q.Set("sort", p.Sort)
	}
	if p.Q != "" {
		q.Set("q", p.Q)
	}
	return q
}

// SearchSchema builds the input schema of a search tool. sortHelp documents
// the sortable fields.
func SearchSchema(filterHelp, sortHelp string, maxLimit int, extra map[string]any) map[string]any {
	props := map[string]any{
		"filter": map[string]any{"type": "string", "description": filterHelp},
		"limit": map[string]any{
			"type":        "integer",
			"description": fmt.Sprintf("The maximum records to return. [1-%d]", maxLimit),
			"default":     10,
			"minimum":     1,
			"maximum":     maxLimit,
		},
		"offset": map[string]any{"type": "integer", "description": "The offset to start retrieving records from."},
		"sort":   map[string]any{"type": "string", "description": sortHelp},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{"type": "object", "properties": props}
}

// IDsSchema builds the input schema of a lookup-by-IDs tool.
func IDsSchema(key, desc string, extra map[string]any) map[string]any {
	props := map[string]any{
		key: map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": desc,
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{"type": "object", "properties": props, "required": []string{key}}
}

// GetByIDs posts {idKey: ids, ...extra} to op and returns the resources.
func (c *Client) GetByIDs(ctx context.Context, op Operation, idKey string, ids []string, extra map[string]any) ([]json.RawMessage, error) {
	body := map[string]any{idKey: ids}
	for k, v := range extra {
		body[k] = v
	}
	return c.Command(ctx, op, nil, body)
}

// Result renders resources, or the structured error for err. A nil result
// set renders as an empty list.
func Result(resources []json.RawMessage, message string, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return capability.ErrorResult(ToolError(message, err)), nil
	}
	if resources == nil {
		resources = []json.RawMessage{}
	}
	return capability.JSONResult(resources)
}

// IDs decodes a resources list of plain string identifiers.
func IDs(resources []json.RawMessage) ([]string, error) {
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		var id string
		if err := json.Unmarshal(r, &id); err != nil {
			return nil, fmt.Errorf("falcon: decode id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
