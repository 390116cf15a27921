package soar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-security-go/pkg/binding"
	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/loader"
)

const testAppKey = "test-app-key"

// fakePlatform is an in-process stand-in for the SOAR REST API.
type fakePlatform struct {
	t         *testing.T
	scopes    []string
	instances []map[string]string
	failPath  string

	mu      sync.Mutex
	actions []ManualAction
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(appKeyHeader) != testAppKey {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	failPath := f.failPath
	f.mu.Unlock()

	if r.URL.Path == failPath {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	switch {
	case r.URL.Path == pathScopes:
		writeJSON(w, f.scopes)
	case r.URL.Path == "/api/1p/external/v1/cases/523":
		if r.Method == http.MethodPatch {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
			return
		}
		writeJSON(w, map[string]any{"id": 523, "priority": "PriorityHigh"})
	case r.URL.Path == "/api/1p/external/v1.0/cases/523/caseAlerts":
		writeJSON(w, map[string]any{"case_alerts": []map[string]any{{"id": 751}}})
	case r.URL.Path == "/api/1p/external/v1/cases/523/comments":
		if r.Method == http.MethodPost {
			writeJSON(w, map[string]any{"posted": true})
			return
		}
		writeJSON(w, map[string]any{"comments": []string{"first"}})
	case strings.HasSuffix(r.URL.Path, "/integrationInstances"):
		writeJSON(w, map[string]any{"integration_instances": f.instances})
	case r.URL.Path == pathExecuteManualAction:
		var action ManualAction
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&action))
		f.mu.Lock()
		f.actions = append(f.actions, action)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"status": "submitted"})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakePlatform) submitted() []ManualAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ManualAction(nil), f.actions...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newPlatform(t *testing.T, configure ...func(*fakePlatform)) (*fakePlatform, *httptest.Server) {
	t.Helper()
	f := &fakePlatform{
		t:         t,
		scopes:    []string{"All entities", "Alert entities"},
		instances: []map[string]string{{"identifier": "instance-1"}},
	}
	for _, fn := range configure {
		fn(f)
	}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return f, ts
}

func bound(t *testing.T, url string) *Binding {
	t.Helper()
	b := &Binding{}
	require.NoError(t, b.Bind(context.Background(), Factory(Config{URL: url, AppKey: testAppKey})))
	t.Cleanup(func() { _ = b.Cleanup() })
	return b
}

func connect(t *testing.T, srv *capability.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	go func() { _ = srv.MCP().Run(ctx, serverTransport) }()
	cs, err := mcp.NewClient(&mcp.Implementation{Name: "soar-test", Version: "v0"}, nil).Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (*mcp.CallToolResult, map[string]any) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &out))
	return res, out
}

func newServer() *capability.Server {
	return NewServer("test", nil)
}

func TestNewClientRequiresConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{AppKey: "k"}},
		{"relative url", Config{URL: "soar.example", AppKey: "k"}},
		{"missing app key", Config{URL: "https://soar.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewClient(tt.cfg)
			assert.ErrorIs(t, err, binding.ErrInvalidConfig)
		})
	}

	b := &Binding{}
	err := b.Bind(context.Background(), Factory(Config{}))
	require.ErrorIs(t, err, binding.ErrInvalidConfig)
	_, err = b.Client()
	assert.ErrorIs(t, err, binding.ErrNotBound)
}

func TestClientAuthenticatesAndReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	_, ts := newPlatform(t)
	ctx := context.Background()

	client, err := NewClient(Config{URL: ts.URL + "/", AppKey: testAppKey})
	require.NoError(t, err)
	scopes, err := client.ValidScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"All entities", "Alert entities"}, scopes)

	wrongKey, err := NewClient(Config{URL: ts.URL, AppKey: "wrong"})
	require.NoError(t, err)
	_, err = wrongKey.ValidScopes(ctx)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, pathScopes, httpErr.Path)
}

func TestBindFailsWithoutScopes(t *testing.T) {
	t.Parallel()

	_, ts := newPlatform(t, func(f *fakePlatform) { f.scopes = nil })

	b := &Binding{}
	err := b.Bind(context.Background(), Factory(Config{URL: ts.URL, AppKey: testAppKey}))
	require.ErrorIs(t, err, binding.ErrNoScopes)
	_, err = b.Client()
	assert.ErrorIs(t, err, binding.ErrNotBound)
}

func TestCaseTools(t *testing.T) {
	t.Parallel()

	f, ts := newPlatform(t)
	srv := newServer()
	require.NoError(t, RegisterCaseTools(srv, bound(t, ts.URL)))
	assert.Len(t, srv.Tools(CasesOwner), 10)
	cs := connect(t, srv)

	res, out := call(t, cs, "get_case_full_details", map[string]any{"case_id": "523"})
	require.False(t, res.IsError)
	assert.Contains(t, out, "case_details")
	assert.Contains(t, out, "case_alerts")
	assert.Contains(t, out, "case_comments")

	res, out = call(t, cs, "change_case_priority", map[string]any{"case_id": "523", "case_priority": "PriorityCritical"})
	require.False(t, res.IsError)
	assert.Equal(t, "PriorityCritical", out["Priority"])

	res, out = call(t, cs, "change_case_priority", map[string]any{"case_id": "523", "case_priority": "Urgent"})
	require.True(t, res.IsError)
	assert.Contains(t, out["error"], "invalid case_priority")

	res, _ = call(t, cs, "post_case_comment", map[string]any{"case_id": "523", "comment": "Investigating."})
	require.False(t, res.IsError)

	f.mu.Lock()
	f.failPath = "/api/1p/external/v1/cases/523/comments"
	f.mu.Unlock()
	res, out = call(t, cs, "get_case_full_details", map[string]any{"case_id": "523"})
	require.True(t, res.IsError)
	details, _ := out["details"].(map[string]any)
	assert.EqualValues(t, http.StatusInternalServerError, details["status_code"])
}

func TestCaseToolsBeforeBind(t *testing.T) {
	t.Parallel()

	srv := newServer()
	require.NoError(t, RegisterCaseTools(srv, &Binding{}))
	res, out := call(t, connect(t, srv), "list_cases", nil)
	require.True(t, res.IsError)
	assert.Equal(t, binding.ErrNotBound.Error(), out["error"])
}

func TestEmbeddedManifestsParse(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(Marketplace, MarketplaceDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		data, err := fs.ReadFile(Marketplace, MarketplaceDir+"/"+entry.Name())
		require.NoError(t, err)
		m, err := ParseManifest(data)
		require.NoError(t, err, entry.Name())
		assert.NotEmpty(t, m.Actions, entry.Name())
	}
}

func TestParseManifestRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"no integration", "prefix: x\nactions: []\n"},
		{"bad prefix", "integration: X\nprefix: X-Y\n"},
		{"duplicate action", "integration: X\nprefix: x\nactions:\n  - {name: a, script: X_A}\n  - {name: a, script: X_A}\n"},
		{"reserved parameter", "integration: X\nprefix: x\nactions:\n  - name: a\n    script: X_A\n    parameters:\n      - {name: scope, property: Scope}\n"},
		{"unknown type", "integration: X\nprefix: x\nactions:\n  - name: a\n    script: X_A\n    parameters:\n      - {name: n, property: N, type: float}\n"},
		{"not yaml", "integration: [X\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseManifest([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestRegisterLoadsOnlyEnabledIntegrations(t *testing.T) {
	t.Parallel()

	_, ts := newPlatform(t)
	srv := newServer()
	report, err := Register(srv, bound(t, ts.URL), Options{Integrations: loader.ParseEnabled("Okta, CSV, jira")})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"csv", "okta"}, report.Loaded)
	assert.ElementsMatch(t, []string{"siemplify", "virustotalv3"}, report.Skipped)
	assert.Equal(t, []string{"jira"}, report.Missing)
	assert.Empty(t, report.Failed)

	names := srv.ToolNames()
	assert.Contains(t, names, "okta_get_user")
	assert.Contains(t, names, "csv_csv_search_by_entity")
	assert.Contains(t, names, "list_cases")
	assert.NotContains(t, names, "siemplify_ping")
}

func TestClashingIntegrationRegistersNothing(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"manifests/triage.yaml": {Data: []byte(`integration: Triage
prefix: list
actions:
  - {name: alerts, script: Triage_List Alerts}
  - {name: cases, script: Triage_List Cases}
`)},
	}
	_, ts := newPlatform(t)
	srv := newServer()
	report, err := Register(srv, bound(t, ts.URL), Options{
		Integrations: loader.ParseEnabled("triage"),
		FS:           fsys,
		Dir:          "manifests",
	})
	require.NoError(t, err)

	require.Contains(t, report.Failed, "triage")
	assert.ErrorIs(t, report.Failed["triage"], capability.ErrDuplicateTool)
	assert.Empty(t, report.Loaded)
	assert.NotContains(t, srv.ToolNames(), "list_alerts", "a failed integration leaves no tools behind")
	assert.Empty(t, srv.Tools("list"))
	owner, _ := srv.ToolOwner("list_cases")
	assert.NotEqual(t, "list", owner)
}

func TestRegisterDefaultsToNoIntegrations(t *testing.T) {
	t.Parallel()

	_, ts := newPlatform(t)
	srv := newServer()
	report, err := Register(srv, bound(t, ts.URL), Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
	assert.Equal(t, capability.Counts{Tools: 10}, srv.Counts())
}

func TestManualActions(t *testing.T) {
	t.Parallel()

	f, ts := newPlatform(t)
	srv := newServer()
	_, err := Register(srv, bound(t, ts.URL), Options{Integrations: loader.ParseEnabled("okta")})
	require.NoError(t, err)
	cs := connect(t, srv)

	t.Run("predefined scope", func(t *testing.T) {
		res, out := call(t, cs, "okta_get_user", map[string]any{
			"case_id":                 "523",
			"alert_group_identifiers": []string{"group-1"},
			"user_ids_or_logins":      "analyst@example.com",
			"also_run_on_scope":       true,
		})
		require.False(t, res.IsError)
		assert.Equal(t, "submitted", out["status"])

		actions := f.submitted()
		require.NotEmpty(t, actions)
		got := actions[len(actions)-1]
		assert.Equal(t, 523, got.CaseID)
		assert.Equal(t, "Okta_Get User", got.ActionName)
		assert.Equal(t, "Scripts", got.ActionProvider)
		require.NotNil(t, got.Scope)
		assert.Equal(t, DefaultScope, *got.Scope)
		assert.True(t, got.IsPredefinedScope)
		assert.Empty(t, got.TargetEntities)
		assert.Equal(t, []string{"group-1"}, got.AlertGroupIdentifiers)
		assert.Equal(t, "instance-1", got.Properties["IntegrationInstance"])
		assert.Equal(t, "Okta_Get User", got.Properties["ScriptName"])
		assert.JSONEq(t, `{"User Ids Or Logins":"analyst@example.com","Also Run On Scope":true}`,
			got.Properties["ScriptParametersEntityFields"])
	})

	t.Run("target entities override scope", func(t *testing.T) {
		res, _ := call(t, cs, "okta_ping", map[string]any{
			"case_id":                 "523",
			"alert_group_identifiers": []string{"group-1"},
			"target_entities":         []map[string]string{{"Identifier": "10.0.0.1", "EntityType": "ADDRESS"}},
			"scope":                   "Not a scope",
		})
		require.False(t, res.IsError)

		actions := f.submitted()
		got := actions[len(actions)-1]
		assert.Nil(t, got.Scope)
		assert.False(t, got.IsPredefinedScope)
		assert.Equal(t, []TargetEntity{{Identifier: "10.0.0.1", EntityType: "ADDRESS"}}, got.TargetEntities)
	})

	t.Run("invalid scope", func(t *testing.T) {
		before := len(f.submitted())
		res, out := call(t, cs, "okta_ping", map[string]any{
			"case_id":                 "523",
			"alert_group_identifiers": []string{},
			"scope":                   "Everything",
		})
		require.False(t, res.IsError)
		assert.Equal(t, "Failed", out["Status"])
		assert.Equal(t, "Invalid scope 'Everything'. Allowed values are: Alert entities, All entities", out["Message"])
		assert.Len(t, f.submitted(), before)
	})

	t.Run("missing required argument", func(t *testing.T) {
		res, out := call(t, cs, "okta_ping", map[string]any{"alert_group_identifiers": []string{}})
		require.True(t, res.IsError)
		assert.Equal(t, "case_id is required", out["error"])
	})
}

func TestManualActionWithoutInstance(t *testing.T) {
	t.Parallel()

	f, ts := newPlatform(t, func(f *fakePlatform) { f.instances = nil })
	exec := &Executor{Binding: bound(t, ts.URL)}

	res, err := exec.Execute(context.Background(), "Okta", "Okta_Ping", ActionCall{CaseID: "523", Scope: DefaultScope})
	require.NoError(t, err)
	var out ActionStatus
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &out))
	assert.Equal(t, ActionStatus{Status: "Failed", Message: "No active instance found."}, out)
	assert.Empty(t, f.submitted())
}
