package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-security-go/internal/cli"
	mcpgateway "github.com/vikashloomba/mcp-security-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
	"github.com/vikashloomba/mcp-security-go/pkg/serve"
	"github.com/vikashloomba/mcp-security-go/pkg/toolset"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security-gateway",
		Short: "Front the security MCP toolsets behind one MCP server",
		Long: `security-gateway connects to every enabled toolset, caches its tool listing
and re-exposes each tool as <toolset>__<tool>. Toolsets are switched with
LOAD_<NAME>_MCP=Y|N; stdio toolsets honour STDIO_PARAM_TIMEOUT (seconds).

Without --config the built-in toolsets scc, secops_mcp, gti_mcp and
secops_soar_mcp are used.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run,
	}
	cli.AddServeFlags(cmd, 8080)
	f := cmd.Flags()
	f.StringP("config", "c", "", "Toolset configuration file (default built-in)")
	f.Duration("sync-timeout", 2*time.Minute, "Upper bound on the initial listing of every toolset")
	f.Bool("log-jsonrpc", false, "Log the JSON-RPC traffic of every toolset (implies --debug)")
	return cmd
}

func run(cmd *cobra.Command, _ []string) (err error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := cli.LoadDotEnv(envFile); err != nil {
		return err
	}
	v, err := cli.NewViper(cmd, "SECURITY_GATEWAY")
	if err != nil {
		return err
	}

	logJSONRPC := v.GetBool("log-jsonrpc")
	logger := cli.NewLogger(cmd.ErrOrStderr(), v.GetBool("debug") || logJSONRPC)
	serveOpts, err := cli.ServeOptions(v, logger)
	if err != nil {
		return err
	}

	cfg, err := mcpgateway.LoadConfig(v.GetString("config"))
	if err != nil {
		return cli.ConfigError(err)
	}
	specs, err := cfg.Resolve(os.LookupEnv)
	if err != nil {
		return cli.ConfigError(err)
	}

	m, err := metrics.New()
	if err != nil {
		return err
	}
	gateway, err := mcpgateway.NewGateway(specs, &mcpgateway.Options{
		Implementation: &mcp.Implementation{Name: "security-gateway", Title: "Security MCP Gateway", Version: version},
		Cache:          toolset.NewCache(),
		Logger:         logger,
		Metrics:        m,
		SyncTimeout:    v.GetDuration("sync-timeout"),
		LogJSONRPC:     logJSONRPC,
	})
	if err != nil {
		return cli.ConfigError(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := gateway.Close(closeCtx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	report, err := gateway.Sync(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("toolsets synced", "loaded", len(report.Loaded), "failed", len(report.Failed),
		"tools", gateway.Server().Counts().Tools)

	serveOpts.Ready = gateway.Ready
	serveOpts.Metrics = m
	return serve.Run(cmd.Context(), gateway.MCP(), serveOpts)
}
