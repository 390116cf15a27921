package soar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/binding"
	"github.com/vikashloomba/mcp-security-go/pkg/capability"
)

// DefaultScope is used when an action call names neither targets nor scope.
const DefaultScope = "All entities"

// TargetEntity names one entity a manual action runs on.
type TargetEntity struct {
	Identifier string `json:"Identifier"`
	EntityType string `json:"EntityType"`
}

// ManualAction is the ExecuteManualAction request body.
type ManualAction struct {
	CaseID                int               `json:"caseId"`
	TargetEntities        []TargetEntity    `json:"targetEntities"`
	Properties            map[string]string `json:"properties"`
	ActionProvider        string            `json:"actionProvider"`
	ActionName            string            `json:"actionName"`
	Scope                 *string           `json:"scope"`
	AlertGroupIdentifiers []string          `json:"alertGroupIdentifiers"`
	IsPredefinedScope     bool              `json:"isPredefinedScope"`
}

// ActionStatus is the body returned when an action cannot be submitted.
type ActionStatus struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
}

// Executor submits marketplace actions as manual actions on a case.
type Executor struct {
	Binding *Binding
	Logger  *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Handler returns the tool handler for action a of integration.
func (e *Executor) Handler(integration string, a Action) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var raw map[string]json.RawMessage
		if err := capability.ParseArgs(req, &raw); err != nil {
			return nil, err
		}
		call, err := decodeCall(raw, a)
		if err != nil {
			return nil, err
		}
		return e.Execute(ctx, integration, a.Script, call)
	}
}

// ActionCall is one decoded action invocation.
type ActionCall struct {
	CaseID                string
	AlertGroupIdentifiers []string
	TargetEntities        []TargetEntity
	Scope                 string
	// Params maps script parameter names to the values supplied.
	Params map[string]any
}

func decodeCall(raw map[string]json.RawMessage, a Action) (ActionCall, error) {
	call := ActionCall{Scope: DefaultScope, Params: make(map[string]any)}
	fields := []struct {
		key string
		dst any
	}{
		{"case_id", &call.CaseID},
		{"alert_group_identifiers", &call.AlertGroupIdentifiers},
		{"target_entities", &call.TargetEntities},
		{"scope", &call.Scope},
	}
	for _, f := range fields {
		v, ok := raw[f.key]
		if !ok || string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return call, fmt.Errorf("invalid %s: %w", f.key, err)
		}
	}
	if call.CaseID == "" {
		return call, errors.New("case_id is required")
	}
	for _, p := range a.Parameters {
		v, ok := raw[p.Name]
		if !ok || string(v) == "null" {
			if p.Required {
				return call, fmt.Errorf("%s is required", p.Name)
			}
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return call, fmt.Errorf("invalid %s: %w", p.Name, err)
		}
		call.Params[p.Property] = value
	}
	return call, nil
}

// Execute validates the scope, resolves the integration instance and submits
// the manual action. Submission problems are reported as an ActionStatus
// body; only a missing binding is returned as an error.
func (e *Executor) Execute(ctx context.Context, integration, script string, call ActionCall) (*mcp.CallToolResult, error) {
	client, err := e.Binding.Client()
	if err != nil {
		return nil, err
	}

	action := ManualAction{
		AlertGroupIdentifiers: call.AlertGroupIdentifiers,
		ActionProvider:        "Scripts",
		ActionName:            script,
		TargetEntities:        []TargetEntity{},
	}
	if action.AlertGroupIdentifiers == nil {
		action.AlertGroupIdentifiers = []string{}
	}
	if len(call.TargetEntities) > 0 {
		action.TargetEntities = call.TargetEntities
	} else {
		if err := e.Binding.ValidateScope(call.Scope); err != nil {
			var scopeErr *binding.ScopeError
			if errors.As(err, &scopeErr) {
				return failed(fmt.Sprintf("Invalid scope '%s'. Allowed values are: %s", call.Scope, strings.Join(scopeErr.Allowed, ", ")))
			}
			return nil, err
		}
		scope := call.Scope
		action.Scope = &scope
		action.IsPredefinedScope = true
	}

	caseID, err := strconv.Atoi(strings.TrimSpace(call.CaseID))
	if err != nil {
		return failed(fmt.Sprintf("Invalid case_id %q: must be numeric.", call.CaseID))
	}
	action.CaseID = caseID

	instance, err := e.instance(ctx, client, integration)
	if errors.Is(err, errInstanceIdentifier) {
		return failed("Instance found but identifier is missing.")
	}
	if err != nil {
		e.logger().Warn("integration instance lookup failed", "integration", integration, "error", err)
		return failed(fmt.Sprintf("Error fetching instance: %v", err))
	}
	if instance == "" {
		e.logger().Warn("no active integration instance", "integration", integration)
		return failed("No active instance found.")
	}

	params := call.Params
	if params == nil {
		params = map[string]any{}
	}
	scriptParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode script parameters: %w", err)
	}
	action.Properties = map[string]string{
		"IntegrationInstance":          instance,
		"ScriptName":                   script,
		"ScriptParametersEntityFields": string(scriptParams),
	}

	var out json.RawMessage
	if err := client.Post(ctx, pathExecuteManualAction, action, &out); err != nil {
		e.logger().Warn("manual action failed", "integration", integration, "action", script, "error", err)
		return failed(fmt.Sprintf("Error executing action: %v", err))
	}
	return capability.JSONResult(out)
}

var errInstanceIdentifier = errors.New("instance found but identifier is missing")

// instance returns the identifier of the first configured integration
// instance, or "" when none exists.
func (e *Executor) instance(ctx context.Context, client *Client, integration string) (string, error) {
	var resp struct {
		Instances []struct {
			Identifier string `json:"identifier"`
		} `json:"integration_instances"`
	}
	if err := client.Get(ctx, fmt.Sprintf(pathIntegrationInstances, url.PathEscape(integration)), nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Instances) == 0 {
		return "", nil
	}
	if resp.Instances[0].Identifier == "" {
		return "", errInstanceIdentifier
	}
	return resp.Instances[0].Identifier, nil
}

func failed(msg string) (*mcp.CallToolResult, error) {
	return capability.JSONResult(ActionStatus{Status: "Failed", Message: msg})
}
