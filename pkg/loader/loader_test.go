package loader

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
)

func newServer() *capability.Server {
	return capability.NewServer(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
}

// testImporter reads the file body: "tool:<name>" registers a tool, "error"
// fails the import, "panic" panics during registration, "none" exposes no
// entrypoint.
func testImporter(fsys fs.FS, name string) (Entrypoint, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	body := strings.TrimSpace(string(data))
	switch {
	case body == "error":
		return nil, errors.New("syntax error in manifest")
	case body == "none":
		return nil, nil
	case body == "panic":
		return func(*capability.Server) error { panic("boom") }, nil
	case strings.HasPrefix(body, "tool:"):
		tool := strings.TrimPrefix(body, "tool:")
		return func(srv *capability.Server) error {
			return srv.AddTool(tool, &mcp.Tool{Name: tool}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return capability.TextResult("ok"), nil
			})
		}, nil
	}
	return nil, errors.New("unknown body")
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" Okta ":      "okta",
		"Virus/Total": "virustotal",
		`csv\`:        "csv",
		"SiemPlify\t": "siemplify",
		"":            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestParseEnabledEmptyMeansNone(t *testing.T) {
	t.Parallel()

	assert.Empty(t, ParseEnabled(""))
	assert.Empty(t, ParseEnabled(" , ,"))
	assert.Equal(t, map[string]struct{}{"okta": {}, "csv": {}}, ParseEnabled("Okta, CSV,okta"))
}

// One broken integration does not stop another enabled one from loading.
func TestLoadIsolatesFailures(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"marketplace/vendorA.yaml":  {Data: []byte("tool:vendora_ping")},
		"marketplace/vendorB.yaml":  {Data: []byte("error")},
		"marketplace/_base.yaml":    {Data: []byte("tool:base")},
		"marketplace/README.md":     {Data: []byte("docs")},
		"marketplace/nested/x.yaml": {Data: []byte("tool:nested")},
	}
	m, err := metrics.New()
	require.NoError(t, err)
	srv := newServer()
	l := &Loader{FS: fsys, Dir: "marketplace", Ext: ".yaml", Import: testImporter, Metrics: m}

	report, err := l.Load(srv, ParseEnabled("vendorA,vendorB"))
	require.NoError(t, err)

	assert.Equal(t, []string{"vendora"}, report.Loaded)
	require.Contains(t, report.Failed, "vendorb")
	assert.Contains(t, report.Failed["vendorb"].Error(), "syntax error")
	assert.Empty(t, report.Skipped)
	assert.Equal(t, []string{"vendora_ping"}, srv.ToolNames())
	n, err := testutil.GatherAndCount(m.Registry(), "mcpsec_integration_load_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per attempted integration")
}

func TestLoadRecoversPanicsAndMissingEntrypoints(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"a.yaml": {Data: []byte("panic")},
		"b.yaml": {Data: []byte("none")},
		"c.yaml": {Data: []byte("tool:c_tool")},
		"d.yaml": {Data: []byte("tool:d_tool")},
	}
	srv := newServer()
	l := &Loader{FS: fsys, Ext: ".yaml", Import: testImporter}

	report, err := l.Load(srv, ParseEnabled("a,b,c,ghost"))
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, report.Loaded)
	assert.Contains(t, report.Failed["a"].Error(), "panic")
	assert.ErrorIs(t, report.Failed["b"], ErrNoEntrypoint)
	assert.Equal(t, []string{"d"}, report.Skipped)
	assert.Equal(t, []string{"ghost"}, report.Missing)
	assert.Equal(t, []string{"c_tool"}, srv.ToolNames())
}

func TestLoadNothingEnabled(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{"okta.yaml": {Data: []byte("tool:okta_ping")}}
	srv := newServer()
	report, err := (&Loader{FS: fsys, Ext: ".yaml", Import: testImporter}).Load(srv, ParseEnabled(""))
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
	assert.Equal(t, []string{"okta"}, report.Skipped)
	assert.Empty(t, srv.ToolNames())
}

func TestLoadMissingDir(t *testing.T) {
	t.Parallel()

	_, err := (&Loader{FS: fstest.MapFS{}, Dir: "marketplace", Ext: ".yaml", Import: testImporter}).Load(newServer(), nil)
	assert.Error(t, err)
}
