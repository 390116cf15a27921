package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HTTPAuthProvider supplies the Authorization header value, for example
// "Bearer <token>", for each outbound request. An empty value sends none.
type HTTPAuthProvider func(context.Context) (string, error)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	// Timeout bounds connection setup and every call on the session. Zero
	// falls back to ManagerOptions.DefaultTimeout.
	Timeout time.Duration
	// KeepAlive pings the server at this interval and ends the session when a
	// ping fails. Zero disables pings.
	KeepAlive time.Duration
	// LogJSONRPC logs every message exchanged with the server at debug level.
	// A logged streamable HTTP connection opens no standalone event stream, so
	// server notifications such as tools/list_changed are not received.
	LogJSONRPC bool
}

// StdioServerConfig describes an MCP server launched as a subprocess.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
	// Dir is the working directory of the subprocess. Empty means the
	// current directory.
	Dir string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes an MCP server reachable over streamable HTTP or
// SSE.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint string
	Headers  http.Header
	// MaxRetries bounds reconnects of the streamable event stream. Zero keeps
	// the SDK default of 5; a negative value disables them.
	MaxRetries int

	AuthProvider HTTPAuthProvider
	// PreferSSE forces the SSE transport. When nil, endpoints ending in
	// "/sse" use SSE and everything else tries streamable HTTP first.
	PreferSSE *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio ConfigTransport = "stdio"
	TransportHTTP  ConfigTransport = "http"
)

// TransportOf returns the transport kind for a ServerConfig, or "" for nil
// and unknown implementations.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *HTTPServerConfig:
		return TransportHTTP
	default:
		return ""
	}
}

// AsStdio narrows cfg to *StdioServerConfig.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, the server ID is used.
	DefaultClientName string
	// DefaultClientVersion controls the semantic version reported to servers.
	DefaultClientVersion string
	// DefaultTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// DefaultLogJSONRPC logs JSON-RPC traffic of every server, as if each set
	// LogJSONRPC.
	DefaultLogJSONRPC bool
	// OnSessionError is called when a session ends with an error.
	OnSessionError func(serverID string, err error)
	// Logger receives lifecycle diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.DefaultClientVersion == "" {
		opts.DefaultClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
