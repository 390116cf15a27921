package mcpgateway

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-security-go/pkg/mcpmgr"
)

// ErrInvalidConfig reports a malformed gateway configuration or toggle.
var ErrInvalidConfig = errors.New("mcpgateway: invalid configuration")

// EnvStdioTimeout holds the stdio session timeout in seconds.
const EnvStdioTimeout = "STDIO_PARAM_TIMEOUT"

// DefaultStdioTimeout applies when EnvStdioTimeout is unset.
const DefaultStdioTimeout = 60 * time.Second

//go:embed default.yaml
var defaultConfig []byte

var toolsetName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Config is the gateway configuration file.
type Config struct {
	// Vars are substituted into args, env values, URLs and headers as
	// ${NAME}. The process environment takes precedence.
	Vars     map[string]string `yaml:"vars"`
	Toolsets []ToolsetConfig   `yaml:"toolsets"`
}

// ToolsetConfig describes one upstream toolset. Exactly one of Command and
// URL is set.
type ToolsetConfig struct {
	Name string `yaml:"name"`
	// Toggle is the environment variable that enables the toolset with Y
	// and disables it with N. Defaults to LOAD_<NAME>_MCP.
	Toggle string `yaml:"toggle"`
	// Enabled applies when the toggle is unset.
	Enabled bool `yaml:"enabled"`

	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	SSE     *bool             `yaml:"sse"`
	// AuthTokenEnv names the environment variable holding the bearer token
	// sent to an HTTP toolset. It is read on every request.
	AuthTokenEnv string `yaml:"auth_token_env"`
	// MaxRetries bounds reconnects of an HTTP toolset's event stream. Zero
	// keeps the default of 5 and -1 disables them.
	MaxRetries int `yaml:"max_retries"`

	// Timeout overrides the session timeout. Stdio toolsets default to
	// STDIO_PARAM_TIMEOUT.
	Timeout time.Duration `yaml:"timeout"`
	// KeepAlive pings the upstream at this interval; a failed ping ends the
	// session and the next call reconnects.
	KeepAlive time.Duration `yaml:"keep_alive"`
	// LogJSONRPC logs the toolset's JSON-RPC traffic at debug level.
	LogJSONRPC bool `yaml:"log_jsonrpc"`
	// ToolFilter keeps only the named tools.
	ToolFilter []string `yaml:"tool_filter"`
}

// ToggleName returns the environment variable that switches t on or off.
func (t ToolsetConfig) ToggleName() string {
	if t.Toggle != "" {
		return t.Toggle
	}
	name := strings.ToUpper(t.Name)
	if !strings.HasSuffix(name, "_MCP") {
		name += "_MCP"
	}
	return "LOAD_" + name
}

// DefaultConfig returns the built-in toolset definitions.
func DefaultConfig() (*Config, error) {
	return ParseConfig(defaultConfig)
}

// LoadConfig reads the file at path, or the built-in definitions when path
// is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML configuration. Unknown keys are
// rejected.
func ParseConfig(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	seen := make(map[string]struct{}, len(cfg.Toolsets))
	for i, ts := range cfg.Toolsets {
		if !toolsetName.MatchString(ts.Name) {
			return nil, fmt.Errorf("%w: toolset %d: name %q must match %s", ErrInvalidConfig, i, ts.Name, toolsetName)
		}
		if _, dup := seen[ts.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate toolset %q", ErrInvalidConfig, ts.Name)
		}
		seen[ts.Name] = struct{}{}
		if (ts.Command == "") == (ts.URL == "") {
			return nil, fmt.Errorf("%w: toolset %q needs exactly one of command or url", ErrInvalidConfig, ts.Name)
		}
		if ts.Timeout < 0 || ts.KeepAlive < 0 {
			return nil, fmt.Errorf("%w: toolset %q: negative duration", ErrInvalidConfig, ts.Name)
		}
		if ts.Command != "" && (ts.AuthTokenEnv != "" || ts.MaxRetries != 0) {
			return nil, fmt.Errorf("%w: toolset %q: auth_token_env and max_retries need a url", ErrInvalidConfig, ts.Name)
		}
		if ts.MaxRetries < -1 {
			return nil, fmt.Errorf("%w: toolset %q: max_retries must be -1 or more", ErrInvalidConfig, ts.Name)
		}
	}
	return &cfg, nil
}

// ToolsetSpec is an enabled toolset ready to be dialed.
type ToolsetSpec struct {
	Name       string
	Server     mcpmgr.ServerConfig
	ToolFilter []string
}

// Lookup reads one environment variable. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// Resolve applies the environment to cfg and returns the enabled toolsets
// in file order.
func (c *Config) Resolve(lookup Lookup) ([]ToolsetSpec, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	stdioTimeout, err := parseStdioTimeout(lookup)
	if err != nil {
		return nil, err
	}
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			if v, ok := lookup(key); ok {
				return v
			}
			return c.Vars[key]
		})
	}

	var specs []ToolsetSpec
	for _, ts := range c.Toolsets {
		enabled, err := toggled(lookup, ts.ToggleName(), ts.Enabled)
		if err != nil {
			return nil, err
		}
		if !enabled {
			continue
		}
		specs = append(specs, ToolsetSpec{
			Name:       ts.Name,
			Server:     ts.serverConfig(expand, lookup, stdioTimeout),
			ToolFilter: append([]string(nil), ts.ToolFilter...),
		})
	}
	return specs, nil
}

func (ts ToolsetConfig) serverConfig(expand func(string) string, lookup Lookup, stdioTimeout time.Duration) mcpmgr.ServerConfig {
	base := mcpmgr.BaseServerConfig{
		Timeout:    ts.Timeout,
		KeepAlive:  ts.KeepAlive,
		LogJSONRPC: ts.LogJSONRPC,
	}
	if ts.Command != "" {
		cfg := &mcpmgr.StdioServerConfig{
			BaseServerConfig: base,
			Command:          expand(ts.Command),
			Dir:              expand(ts.Dir),
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = stdioTimeout
		}
		for _, a := range ts.Args {
			cfg.Args = append(cfg.Args, expand(a))
		}
		if len(ts.Env) > 0 {
			cfg.Env = make(map[string]string, len(ts.Env))
			for k, v := range ts.Env {
				cfg.Env[k] = expand(v)
			}
		}
		return cfg
	}

	cfg := &mcpmgr.HTTPServerConfig{
		BaseServerConfig: base,
		Endpoint:         expand(ts.URL),
		MaxRetries:       ts.MaxRetries,
		PreferSSE:        ts.SSE,
	}
	if ts.AuthTokenEnv != "" {
		cfg.AuthProvider = bearerFromEnv(lookup, ts.AuthTokenEnv)
	}
	if len(ts.Headers) > 0 {
		cfg.Headers = make(http.Header, len(ts.Headers))
		for k, v := range ts.Headers {
			cfg.Headers.Set(k, expand(v))
		}
	}
	return cfg
}

// bearerFromEnv reads the token from name on every request, so a missing
// token fails the connection rather than the whole configuration.
func bearerFromEnv(lookup Lookup, name string) mcpmgr.HTTPAuthProvider {
	return func(context.Context) (string, error) {
		token, _ := lookup(name)
		if token = strings.TrimSpace(token); token == "" {
			return "", fmt.Errorf("mcpgateway: bearer token variable %s is not set", name)
		}
		return "Bearer " + token, nil
	}
}

func parseStdioTimeout(lookup Lookup) (time.Duration, error) {
	raw, ok := lookup(EnvStdioTimeout)
	if !ok || strings.TrimSpace(raw) == "" {
		return DefaultStdioTimeout, nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: %s=%q must be a positive number of seconds", ErrInvalidConfig, EnvStdioTimeout, raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func toggled(lookup Lookup, key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "Y", "YES", "TRUE", "1":
		return true, nil
	case "N", "NO", "FALSE", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s=%q must be Y or N", ErrInvalidConfig, key, raw)
	}
}
