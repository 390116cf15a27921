// Package cli holds the flag, environment and logging plumbing shared by the
// server binaries.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-security-go/pkg/serve"
)

// Exit codes.
const (
	ExitFailure = 1
	ExitConfig  = 2
)

// ExitError carries the process exit code for err.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ConfigError marks err as a configuration failure.
func ConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: ExitConfig, Err: err}
}

// Classify marks err as a configuration failure when it wraps one of
// sentinels and returns it unchanged otherwise.
func Classify(err error, sentinels ...error) error {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return ConfigError(err)
		}
	}
	return err
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitFailure
}

// Execute runs cmd and returns the exit code, printing any error to stderr.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
	}
	return ExitCode(err)
}

// NewLogger writes text records to w, at debug level when debug is set.
// Servers log to stderr because stdout carries the stdio transport.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// LoadDotEnv copies the variables of a .env file into the process
// environment. Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return ConfigError(fmt.Errorf("read %s: %w", path, err))
	}
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

// NewViper binds cmd's flags and the environment. A flag named foo-bar is
// also read from <PREFIX>_FOO_BAR.
func NewViper(cmd *cobra.Command, prefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return v, nil
}

// BindEnv maps key to explicit environment variable names, for settings
// that do not carry the prefix.
func BindEnv(v *viper.Viper, key string, envs ...string) error {
	return v.BindEnv(append([]string{key}, envs...)...)
}

// AddServeFlags registers the transport flags every server shares.
func AddServeFlags(cmd *cobra.Command, defaultPort int) {
	f := cmd.Flags()
	f.StringP("transport", "t", string(serve.Stdio), "Transport protocol: stdio, sse or streamable-http")
	f.String("host", "127.0.0.1", "Host to bind for HTTP transports")
	f.IntP("port", "p", defaultPort, "Port to listen on for HTTP transports")
	f.String("auth-token", "", "Bearer token required on the MCP endpoint of HTTP transports")
	f.String("resource-metadata-url", "", "OAuth protected resource metadata URL advertised on 401 responses")
	f.StringSlice("allowed-origins", nil, "CORS origins allowed on HTTP transports (default all)")
	f.BoolP("debug", "d", false, "Enable debug logging")
	f.String("env-file", ".env", "Environment file loaded before reading settings")
}

// ServeOptions reads the flags registered by AddServeFlags.
func ServeOptions(v *viper.Viper, logger *slog.Logger) (*serve.Options, error) {
	transport, err := serve.ParseTransport(v.GetString("transport"))
	if err != nil {
		return nil, ConfigError(err)
	}
	port := v.GetInt("port")
	if port < 0 || port > 65535 {
		return nil, ConfigError(fmt.Errorf("port %d out of range", port))
	}
	opts := &serve.Options{
		Transport:      transport,
		Host:           v.GetString("host"),
		Port:           port,
		AllowedOrigins: v.GetStringSlice("allowed-origins"),
		Logger:         logger,
	}
	token, metadata := v.GetString("auth-token"), v.GetString("resource-metadata-url")
	if metadata != "" && token == "" {
		return nil, ConfigError(errors.New("--resource-metadata-url requires --auth-token"))
	}
	if token != "" {
		opts.TokenVerifier = serve.StaticToken(token)
	}
	if metadata != "" {
		opts.TokenOptions = &auth.RequireBearerTokenOptions{ResourceMetadataURL: metadata}
	}
	return opts, nil
}
