package soar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-security-go/pkg/binding"
	"github.com/vikashloomba/mcp-security-go/pkg/capability"
)

// CasesOwner owns the built-in case-management tools.
const CasesOwner = "cases"

// Binding is the process-wide SOAR binding shared by every tool.
type Binding = binding.Binding[*Client]

// CasePriorities are the values change_case_priority accepts.
var CasePriorities = []string{
	"PriorityUnspecified",
	"PriorityInfo",
	"PriorityLow",
	"PriorityMedium",
	"PriorityHigh",
	"PriorityCritical",
}

type caseTools struct {
	b *Binding
}

// RegisterCaseTools adds the case-management tools. Handlers resolve the
// client from b on every call, so registration may precede Bind but calls
// fail until it succeeds.
func RegisterCaseTools(srv *capability.Server, b *Binding) error {
	t := &caseTools{b: b}
	tools := []struct {
		tool    *mcp.Tool
		handler mcp.ToolHandler
	}{
		{&mcp.Tool{
			Name:        "list_cases",
			Description: "List cases in the SOAR platform. Case priority is only an initial indicator; use get_case_full_details to assess a case.",
			InputSchema: objectSchema(map[string]any{"next_page_token": pageTokenProp}),
		}, t.listCases},
		{&mcp.Tool{
			Name:        "post_case_comment",
			Description: "Post a comment to a case to document findings, actions taken or investigation progress.",
			InputSchema: objectSchema(map[string]any{
				"case_id": stringProp("The ID of the case."),
				"comment": stringProp("The comment we wish to add to the case."),
			}, "case_id", "comment"),
		}, t.postCaseComment},
		{&mcp.Tool{
			Name:        "list_alerts_by_case",
			Description: "List the security alerts associated with a case.",
			InputSchema: objectSchema(map[string]any{
				"case_id":         stringProp("The ID of the case."),
				"next_page_token": pageTokenProp,
			}, "case_id"),
		}, t.listAlertsByCase},
		{&mcp.Tool{
			Name:        "list_alert_group_identifiers_by_case",
			Description: "List the alert group identifiers of a case. Use them with get_entities_by_alert_group_identifiers and marketplace actions.",
			InputSchema: objectSchema(map[string]any{
				"case_id":         stringProp("The ID of the case."),
				"next_page_token": pageTokenProp,
			}, "case_id"),
		}, t.listAlertGroupIdentifiers},
		{&mcp.Tool{
			Name:        "list_events_by_alert",
			Description: "List the underlying security events of an alert within a case.",
			InputSchema: objectSchema(map[string]any{
				"case_id":         stringProp("The ID of the case."),
				"alert_id":        stringProp("The ID of the alert."),
				"next_page_token": pageTokenProp,
			}, "case_id", "alert_id"),
		}, t.listEventsByAlert},
		{&mcp.Tool{
			Name:        "change_case_priority",
			Description: "Change the priority level of a case. Document the reason with post_case_comment.",
			InputSchema: objectSchema(map[string]any{
				"case_id":       stringProp("The ID of the case."),
				"case_priority": enumProp("The priority of the case.", CasePriorities),
			}, "case_id", "case_priority"),
		}, t.changeCasePriority},
		{&mcp.Tool{
			Name:        "get_entities_by_alert_group_identifiers",
			Description: "Retrieve the entities involved in specific alert groups of a case, e.g. as target entities for manual actions.",
			InputSchema: objectSchema(map[string]any{
				"case_id":                 stringProp("The ID of the case."),
				"alert_group_identifiers": stringsProp("Identifiers for the alert groups."),
			}, "case_id", "alert_group_identifiers"),
		}, t.entitiesByAlertGroups},
		{&mcp.Tool{
			Name:        "get_entity_details",
			Description: "Fetch what the SOAR platform knows about one entity, including its enrichment.",
			InputSchema: objectSchema(map[string]any{
				"entity_identifier":  stringProp("The identifier of the entity."),
				"entity_type":        stringProp("The type of the entity."),
				"entity_environment": stringProp("The environment of the entity."),
			}, "entity_identifier", "entity_type", "entity_environment"),
		}, t.entityDetails},
		{&mcp.Tool{
			Name:        "search_entity",
			Description: "Search entities by term, type, suspicion, asset, enrichment, network or environment.",
			InputSchema: objectSchema(map[string]any{
				"term":              stringProp("The term to search for"),
				"type":              stringsProp("The type of the entity"),
				"is_suspicious":     boolProp("A boolean that states if the entity is suspicious"),
				"is_internal_asset": boolProp("A boolean that states if the entity is an internal asset"),
				"is_enriched":       boolProp("A boolean that states if the entity is enriched"),
				"network_name":      stringsProp("The network name"),
				"environment_name":  stringsProp("The environment name"),
			}),
		}, t.searchEntity},
		{&mcp.Tool{
			Name:        "get_case_full_details",
			Description: "Retrieve a case together with its alerts and comments in one call.",
			InputSchema: objectSchema(map[string]any{"case_id": stringProp("The ID of the case.")}, "case_id"),
		}, t.caseFullDetails},
	}
	for _, entry := range tools {
		if err := srv.AddTool(CasesOwner, entry.tool, entry.handler); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs fn with the bound client and renders its outcome.
func (t *caseTools) invoke(ctx context.Context, fn func(context.Context, *Client) (any, error)) (*mcp.CallToolResult, error) {
	client, err := t.b.Client()
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, client)
	if err != nil {
		return capability.ErrorResult(apiError(err)), nil
	}
	return capability.JSONResult(out)
}

func (t *caseTools) get(ctx context.Context, path string, query url.Values) (*mcp.CallToolResult, error) {
	return t.invoke(ctx, func(ctx context.Context, c *Client) (any, error) {
		var out json.RawMessage
		err := c.Get(ctx, path, query, &out)
		return out, err
	})
}

func (t *caseTools) post(ctx context.Context, path string, body any) (*mcp.CallToolResult, error) {
	return t.invoke(ctx, func(ctx context.Context, c *Client) (any, error) {
		var out json.RawMessage
		err := c.Post(ctx, path, body, &out)
		return out, err
	})
}

type caseArgs struct {
	CaseID        string `json:"case_id"`
	AlertID       string `json:"alert_id"`
	NextPageToken string `json:"next_page_token"`
}

func (a caseArgs) require(fields ...string) error {
	for _, f := range fields {
		switch {
		case f == "case_id" && a.CaseID == "":
			return errors.New("case_id is required")
		case f == "alert_id" && a.AlertID == "":
			return errors.New("alert_id is required")
		}
	}
	return nil
}

func pageQuery(token string) url.Values {
	if token == "" {
		return nil
	}
	return url.Values{"pageToken": {token}}
}

func casePath(format string, ids ...string) string {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = url.PathEscape(id)
	}
	return fmt.Sprintf(format, args...)
}

func (t *caseTools) listCases(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args caseArgs
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	var query url.Values
	if args.NextPageToken != "" {
		query = url.Values{"$expand": {"tags"}, "pageToken": {args.NextPageToken}}
	}
	return t.get(ctx, pathCases, query)
}

func (t *caseTools) postCaseComment(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		caseArgs
		Comment string `json:"comment"`
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if err := args.require("case_id"); err != nil {
		return nil, err
	}
	return t.post(ctx, casePath(pathCaseComments, args.CaseID), map[string]any{"Comment": args.Comment})
}

func (t *caseTools) listAlertsByCase(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args caseArgs
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if err := args.require("case_id"); err != nil {
		return nil, err
	}
	return t.get(ctx, casePath(pathCaseAlerts, args.CaseID), pageQuery(args.NextPageToken))
}

func (t *caseTools) listAlertGroupIdentifiers(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args caseArgs
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if err := args.require("case_id"); err != nil {
		return nil, err
	}
	return t.get(ctx, casePath(pathAlertGroupIdentifiers, args.CaseID), pageQuery(args.NextPageToken))
}

func (t *caseTools) listEventsByAlert(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args caseArgs
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if err := args.require("case_id", "alert_id"); err != nil {
		return nil, err
	}
	return t.get(ctx, casePath(pathInvolvedEvents, args.CaseID, args.AlertID), pageQuery(args.NextPageToken))
}

func (t *caseTools) changeCasePriority(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		caseArgs
		Priority string `json:"case_priority"`
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if err := args.require("case_id"); err != nil {
		return nil, err
	}
	if !slices.Contains(CasePriorities, args.Priority) {
		return capability.Failure(fmt.Sprintf("invalid case_priority %q", args.Priority),
			map[string]any{"allowed": CasePriorities}), nil
	}
	return t.invoke(ctx, func(ctx context.Context, c *Client) (any, error) {
		var out json.RawMessage
		err := c.Patch(ctx, casePath(pathCase, args.CaseID), map[string]any{"Priority": args.Priority}, &out)
		return out, err
	})
}

func (t *caseTools) entitiesByAlertGroups(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		caseArgs
		AlertGroupIdentifiers []string `json:"alert_group_identifiers"`
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if err := args.require("case_id"); err != nil {
		return nil, err
	}
	return t.post(ctx, pathAlertGroupEntitiesCase, map[string]any{
		"caseId":                args.CaseID,
		"alertGroupIdentifiers": args.AlertGroupIdentifiers,
	})
}

func (t *caseTools) entityDetails(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Identifier  string `json:"entity_identifier"`
		Type        string `json:"entity_type"`
		Environment string `json:"entity_environment"`
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if args.Identifier == "" {
		return nil, errors.New("entity_identifier is required")
	}
	return t.post(ctx, pathEntityData, map[string]any{
		"EntityIdentifier":     args.Identifier,
		"EntityType":           args.Type,
		"EntityEnvironment":    args.Environment,
		"LastCaseType":         0,
		"CaseDistributionType": 0,
	})
}

func (t *caseTools) searchEntity(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Term            *string  `json:"term"`
		Type            []string `json:"type"`
		IsSuspicious    *bool    `json:"is_suspicious"`
		IsInternalAsset *bool    `json:"is_internal_asset"`
		IsEnriched      *bool    `json:"is_enriched"`
		NetworkName     []string `json:"network_name"`
		EnvironmentName []string `json:"environment_name"`
	}
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	return t.post(ctx, pathEntitySearch, map[string]any{
		"Term":            args.Term,
		"Type":            args.Type,
		"IsSuspicious":    args.IsSuspicious,
		"IsInternalAsset": args.IsInternalAsset,
		"IsEnriched":      args.IsEnriched,
		"NetworkName":     args.NetworkName,
		"EnvironmentName": args.EnvironmentName,
	})
}

// caseFullDetails fetches the case, its alerts and its comments
// concurrently. Any failed fetch fails the whole call.
func (t *caseTools) caseFullDetails(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args caseArgs
	if err := capability.ParseArgs(req, &args); err != nil {
		return nil, err
	}
	if err := args.require("case_id"); err != nil {
		return nil, err
	}
	return t.invoke(ctx, func(ctx context.Context, c *Client) (any, error) {
		var details, alerts, comments json.RawMessage
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return c.Get(gctx, casePath(pathCase, args.CaseID), nil, &details) })
		g.Go(func() error { return c.Get(gctx, casePath(pathCaseAlerts, args.CaseID), nil, &alerts) })
		g.Go(func() error { return c.Get(gctx, casePath(pathCaseComments, args.CaseID), nil, &comments) })
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{
			"case_details":  orNull(details),
			"case_alerts":   orNull(alerts),
			"case_comments": orNull(comments),
		}, nil
	})
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// apiError converts a client failure into the structured error object.
func apiError(err error) *capability.Error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return &capability.Error{
			Message: fmt.Sprintf("SOAR request failed: %d %s", httpErr.StatusCode, httpErr.Body),
			Details: map[string]any{
				"method":      httpErr.Method,
				"path":        httpErr.Path,
				"status_code": httpErr.StatusCode,
			},
		}
	}
	return &capability.Error{Message: err.Error()}
}
