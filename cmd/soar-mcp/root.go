package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-security-go/internal/cli"
	"github.com/vikashloomba/mcp-security-go/pkg/binding"
	"github.com/vikashloomba/mcp-security-go/pkg/loader"
	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
	"github.com/vikashloomba/mcp-security-go/pkg/serve"
	"github.com/vikashloomba/mcp-security-go/pkg/soar"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "soar-mcp",
		Short: "Serve SOAR case management and marketplace integrations over MCP",
		Long: `soar-mcp binds to the SOAR platform at SOAR_URL with SOAR_APP_KEY, registers
the case-management tools and loads the marketplace integrations named in
--integrations (or SOAR_INTEGRATIONS). No integration is loaded by default.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run,
	}
	cli.AddServeFlags(cmd, 8000)
	cmd.Flags().String("integrations", "", "Comma-separated marketplace integrations to load")
	return cmd
}

func run(cmd *cobra.Command, _ []string) (err error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := cli.LoadDotEnv(envFile); err != nil {
		return err
	}
	v, err := cli.NewViper(cmd, "SOAR_MCP")
	if err != nil {
		return err
	}
	for key, env := range map[string]string{
		"url":          "SOAR_URL",
		"app-key":      "SOAR_APP_KEY",
		"integrations": "SOAR_INTEGRATIONS",
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
	m, err := metrics.New()
	if err != nil {
		return err
	}

	b := &soar.Binding{Logger: logger}
	factory := soar.Factory(soar.Config{
		URL:    v.GetString("url"),
		AppKey: v.GetString("app-key"),
		Logger: logger,
	})
	if err := b.Bind(cmd.Context(), factory); err != nil {
		return cli.Classify(err, binding.ErrInvalidConfig)
	}
	defer func() {
		if cerr := b.Cleanup(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	srv := soar.NewServer(version, logger)
	if _, err := soar.Register(srv, b, soar.Options{
		Integrations: loader.ParseEnabled(v.GetString("integrations")),
		Logger:       logger,
		Metrics:      m,
	}); err != nil {
		return err
	}

	serveOpts.Ready = func(context.Context) error {
		_, err := b.Client()
		return err
	}
	serveOpts.Metrics = m
	return serve.Run(cmd.Context(), srv.MCP(), serveOpts)
}
