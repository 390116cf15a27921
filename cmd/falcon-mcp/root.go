package main

import (
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-security-go/internal/cli"
	"github.com/vikashloomba/mcp-security-go/pkg/composer"
	"github.com/vikashloomba/mcp-security-go/pkg/falcon"
	_ "github.com/vikashloomba/mcp-security-go/pkg/falcon/detections"
	_ "github.com/vikashloomba/mcp-security-go/pkg/falcon/hosts"
	_ "github.com/vikashloomba/mcp-security-go/pkg/falcon/intel"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
	"github.com/vikashloomba/mcp-security-go/pkg/registry"
	"github.com/vikashloomba/mcp-security-go/pkg/serve"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "falcon-mcp",
		Short: "Serve CrowdStrike Falcon capability modules over MCP",
		Long: `falcon-mcp authenticates against the Falcon API with OAuth2 client
credentials and serves the selected capability modules as MCP tools.

Credentials are read from FALCON_CLIENT_ID and FALCON_CLIENT_SECRET. Every
flag can also be set as FALCON_MCP_<FLAG>, e.g. FALCON_MCP_MODULES=hosts,intel.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run,
	}
	cli.AddServeFlags(cmd, 8000)
	f := cmd.Flags()
	f.StringP("modules", "m", "", "Comma-separated modules to enable (default all)")
	f.String("base-url", falcon.DefaultBaseURL, "Falcon API base URL")
	f.String("user-agent-comment", "", "Comment appended to the User-Agent header")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := cli.LoadDotEnv(envFile); err != nil {
		return err
	}
	v, err := cli.NewViper(cmd, "FALCON_MCP")
	if err != nil {
		return err
	}
	for key, env := range map[string]string{
		"client-id":     "FALCON_CLIENT_ID",
		"client-secret": "FALCON_CLIENT_SECRET",
		"base-url":      "FALCON_BASE_URL",
	} {
		if err := cli.BindEnv(v, key, env); err != nil {
			return err
		}
	}

	logger := cli.NewLogger(cmd.ErrOrStderr(), v.GetBool("debug"))
	serveOpts, err := cli.ServeOptions(v, logger)
	if err != nil {
		return err
	}

	client, err := falcon.NewClient(falcon.Config{
		ClientID:         v.GetString("client-id"),
		ClientSecret:     v.GetString("client-secret"),
		BaseURL:          v.GetString("base-url"),
		Version:          version,
		UserAgentComment: v.GetString("user-agent-comment"),
		Logger:           logger,
	})
	if err != nil {
		return cli.Classify(err, falcon.ErrInvalidConfig)
	}

	m, err := metrics.New()
	if err != nil {
		return err
	}
	srv := falcon.NewServer(version, logger)
	comp, err := falcon.Compose(cmd.Context(), srv, client, falcon.ComposeOptions{
		Modules: composer.ParseList(v.GetString("modules")),
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return cli.Classify(err, composer.ErrInvalidConfig, registry.ErrDiscovery)
	}
	logger.Info("falcon modules enabled", "modules", comp.Enabled(), "tools", comp.Counts().Tools)

	serveOpts.Ready = client.CheckConnectivity
	serveOpts.Metrics = m
	return serve.Run(cmd.Context(), srv.MCP(), serveOpts)
}
