package composer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
	"github.com/vikashloomba/mcp-security-go/pkg/registry"
)

type backend struct{ name string }

type stubModule struct {
	name     string
	tools    []string
	resource string
	failWith error
}

func (m *stubModule) RegisterTools(srv *capability.Server) error {
	if m.failWith != nil {
		return m.failWith
	}
	for _, tool := range m.tools {
		if err := srv.AddTool(m.name, &mcp.Tool{Name: tool}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return capability.TextResult(tool), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

type resourceModule struct{ *stubModule }

func (m resourceModule) RegisterResources(srv *capability.Server) error {
	return srv.AddTextResource(m.name, &mcp.Resource{URI: m.resource, Name: m.name + "-guide"}, "guide")
}

type fixture struct {
	reg          *registry.Registry[*backend]
	instantiated map[string]*atomic.Int32
	clients      map[string]*backend
}

func newFixture(mods map[string]capability.Module) *fixture {
	f := &fixture{instantiated: map[string]*atomic.Int32{}, clients: map[string]*backend{}}
	var cat registry.Catalog[*backend]
	for _, typeName := range []string{"HostsModule", "DetectionsModule", "IntelModule"} {
		name := registry.Normalize(typeName)
		counter := &atomic.Int32{}
		f.instantiated[name] = counter
		mod := mods[name]
		cat.Register(typeName, func(c *backend) capability.Module {
			counter.Add(1)
			f.clients[name] = c
			return mod
		})
	}
	f.reg = cat.Registry()
	return f
}

func defaultModules() map[string]capability.Module {
	return map[string]capability.Module{
		"hosts":      resourceModule{&stubModule{name: "hosts", tools: []string{"search_hosts", "get_host_details"}, resource: "falcon://hosts/search/fql-guide"}},
		"detections": &stubModule{name: "detections", tools: []string{"search_detections"}},
		"intel":      &stubModule{name: "intel", tools: []string{"search_actors"}},
	}
}

func newFalconServer() *capability.Server {
	return capability.NewServer(&mcp.Implementation{Name: "falcon-test", Version: "v0"},
		&capability.Options{Namespace: capability.FixedPrefix{Prefix: "falcon"}})
}

func callJSON(t *testing.T, srv *capability.Server, name string) map[string]any {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	go func() { _ = srv.MCP().Run(ctx, serverTransport) }()
	cs, err := mcp.NewClient(&mcp.Implementation{Name: "composer-test", Version: "v0"}, nil).Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name})
	require.NoError(t, err)
	require.False(t, res.IsError)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &out))
	return out
}

func TestParseList(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParseList(""))
	assert.Equal(t, []string{"hosts", "detections"}, ParseList(" Hosts, ,detections,hosts"))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	known := []string{"intel", "hosts", "detections"}
	plan, err := Resolve([]string{"detections", "hosts"}, known)
	require.NoError(t, err)
	assert.Equal(t, []string{"detections", "hosts"}, plan.Resolved)

	_, err = Resolve([]string{"hosts", "bogus", "nope"}, known)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "bogus, nope")
	assert.Contains(t, err.Error(), "available: detections, hosts, intel")
}

// Enabled hosts and detections out of three known modules.
func TestComposeSelectedModules(t *testing.T) {
	t.Parallel()

	f := newFixture(defaultModules())
	srv := newFalconServer()
	m, err := metrics.New()
	require.NoError(t, err)
	client := &backend{name: "shared"}

	comp, err := Compose(context.Background(), srv, f.reg, Options[*backend]{
		Enabled:    []string{"hosts", "detections"},
		DefaultAll: true,
		Client:     client,
		Metrics:    m,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.instantiated["hosts"].Load())
	assert.Equal(t, int32(1), f.instantiated["detections"].Load())
	assert.Zero(t, f.instantiated["intel"].Load())
	assert.Same(t, client, f.clients["hosts"])
	assert.Equal(t, []string{"hosts", "detections"}, comp.Enabled())
	assert.Equal(t, capability.Counts{Tools: 6, Resources: 1}, comp.Counts())
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP mcpsec_modules_enabled Capability modules composed into the server
# TYPE mcpsec_modules_enabled gauge
mcpsec_modules_enabled 2
`), "mcpsec_modules_enabled"))

	out := callJSON(t, srv, "falcon_list_enabled_modules")
	assert.Equal(t, []any{"hosts", "detections"}, out["modules"])
}

// An unknown name fails before any module is built.
func TestComposeUnknownModuleFailsFast(t *testing.T) {
	t.Parallel()

	f := newFixture(defaultModules())
	srv := newFalconServer()

	_, err := Compose(context.Background(), srv, f.reg, Options[*backend]{
		Enabled: []string{"hosts", "bogus"},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
	for name, n := range f.instantiated {
		assert.Zero(t, n.Load(), "module %s instantiated", name)
	}
	assert.Empty(t, srv.ToolNames())
}

func TestComposeDefaultPolicy(t *testing.T) {
	t.Parallel()

	t.Run("all", func(t *testing.T) {
		t.Parallel()
		f := newFixture(defaultModules())
		comp, err := Compose(context.Background(), newFalconServer(), f.reg, Options[*backend]{DefaultAll: true})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"hosts", "detections", "intel"}, comp.Enabled())
	})
	t.Run("none", func(t *testing.T) {
		t.Parallel()
		f := newFixture(defaultModules())
		srv := newFalconServer()
		comp, err := Compose(context.Background(), srv, f.reg, Options[*backend]{})
		require.NoError(t, err)
		assert.Empty(t, comp.Enabled())
		assert.Equal(t, 3, comp.Counts().Tools, "introspection tools only")
	})
}

func TestComposeIntrospection(t *testing.T) {
	t.Parallel()

	f := newFixture(defaultModules())
	srv := newFalconServer()
	_, err := Compose(context.Background(), srv, f.reg, Options[*backend]{
		Enabled:      []string{"intel"},
		Connectivity: func(context.Context) error { return errors.New("token expired") },
	})
	require.NoError(t, err)

	owner, ok := srv.ToolOwner("falcon_check_connectivity")
	require.True(t, ok)
	assert.Equal(t, CoreOwner, owner)

	all := callJSON(t, srv, "falcon_list_modules")
	assert.Equal(t, []any{"detections", "hosts", "intel"}, all["modules"])

	status := callJSON(t, srv, "falcon_check_connectivity")
	assert.Equal(t, false, status["connected"])
	assert.Equal(t, "token expired", status["error"])
}

func TestComposeRegistrationFailureIsFatal(t *testing.T) {
	t.Parallel()

	mods := defaultModules()
	boom := errors.New("bad schema")
	mods["detections"] = &stubModule{name: "detections", failWith: boom}
	f := newFixture(mods)
	srv := newFalconServer()

	_, err := Compose(context.Background(), srv, f.reg, Options[*backend]{Enabled: []string{"hosts", "detections"}})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, srv.ToolNames(), "falcon_search_hosts", "earlier modules are not rolled back")
}

func TestComposeDuplicateToolAcrossModules(t *testing.T) {
	t.Parallel()

	mods := defaultModules()
	mods["intel"] = &stubModule{name: "intel", tools: []string{"search_hosts"}}
	f := newFixture(mods)

	_, err := Compose(context.Background(), newFalconServer(), f.reg, Options[*backend]{Enabled: []string{"hosts", "intel"}})
	assert.ErrorIs(t, err, capability.ErrDuplicateTool)
}

func TestComposeDiscoveryError(t *testing.T) {
	t.Parallel()

	reg := registry.New[*backend](func() ([]registry.Entry[*backend], error) {
		return nil, errors.New("import failed")
	})
	_, err := Compose(context.Background(), newFalconServer(), reg, Options[*backend]{DefaultAll: true})
	assert.ErrorIs(t, err, registry.ErrDiscovery)
}
