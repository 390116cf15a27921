package soar

import (
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/loader"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
)

// NewServer returns a server that exposes tool names unchanged.
func NewServer(version string, logger *slog.Logger) *capability.Server {
	return capability.NewServer(&mcp.Implementation{
		Name:    "secops-soar",
		Title:   "Chronicle SecOps SOAR MCP Server",
		Version: version,
	}, &capability.Options{Logger: logger})
}

// Options configure Register.
type Options struct {
	// Integrations is the allow-set of normalized integration names. An
	// empty set loads none.
	Integrations map[string]struct{}
	// FS and Dir locate the manifests. They default to the embedded
	// Marketplace.
	FS      fs.FS
	Dir     string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Register adds the case-management tools to srv and then loads every
// enabled marketplace integration. Case tools failing to register is an
// error; an integration failing to load is only reported.
func Register(srv *capability.Server, b *Binding, opts Options) (loader.Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := RegisterCaseTools(srv, b); err != nil {
		return loader.Report{}, fmt.Errorf("soar: register case tools: %w", err)
	}

	fsys, dir := opts.FS, opts.Dir
	if fsys == nil {
		fsys, dir = Marketplace, MarketplaceDir
	}
	l := &loader.Loader{
		FS:      fsys,
		Dir:     dir,
		Ext:     ".yaml",
		Import:  Importer(&Executor{Binding: b, Logger: logger}),
		Logger:  logger,
		Metrics: opts.Metrics,
	}
	report, err := l.Load(srv, opts.Integrations)
	if err != nil {
		return report, err
	}
	counts := srv.Counts()
	logger.Info("soar tools registered",
		"tools", counts.Tools,
		"integrations_loaded", len(report.Loaded),
		"integrations_failed", len(report.Failed))
	opts.Metrics.Composed(len(report.Loaded)+1, counts.Tools, counts.Resources)
	return report, nil
}
