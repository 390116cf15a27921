// Package serve runs a capability server over one of the MCP transports.
// HTTP transports are wrapped in CORS and share /health and /metrics.
package serve

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-security-go/pkg/metrics"
)

// Transport names a wire transport.
type Transport string

const (
	Stdio          Transport = "stdio"
	SSE            Transport = "sse"
	StreamableHTTP Transport = "streamable-http"
)

// ErrUnknownTransport is returned by ParseTransport.
var ErrUnknownTransport = errors.New("serve: unknown transport")

// ParseTransport accepts stdio, sse and streamable-http, case-insensitively.
// An empty string selects stdio.
func ParseTransport(s string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return Stdio, nil
	case Stdio, SSE, StreamableHTTP:
		return t, nil
	default:
		return "", fmt.Errorf("%w %q (want stdio, sse or streamable-http)", ErrUnknownTransport, s)
	}
}

// Options configure Run and Handler.
type Options struct {
	Transport Transport
	// Host and Port form the listen address. Defaults 127.0.0.1 and 8000.
	Host string
	Port int
	// Path mounts the MCP endpoint. Defaults to /mcp for streamable-http and
	// /sse for sse.
	Path string
	// AllowedOrigins feeds CORS. Defaults to every origin.
	AllowedOrigins []string
	// TokenVerifier, when set, requires a bearer token on the MCP endpoint.
	// /health and /metrics stay open.
	TokenVerifier auth.TokenVerifier
	TokenOptions  *auth.RequireBearerTokenOptions
	// Ready backs /health. A nil Ready always reports ok.
	Ready func(ctx context.Context) error
	// Metrics is served on /metrics when set.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// ShutdownTimeout bounds the graceful HTTP shutdown. Defaults to 15s.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Transport == "" {
		opts.Transport = Stdio
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 8000
	}
	if opts.Path == "" {
		if opts.Transport == SSE {
			opts.Path = "/sse"
		} else {
			opts.Path = "/mcp"
		}
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	return opts
}

// Addr returns the listen address the options resolve to.
func (o *Options) Addr() string {
	opts := o.withDefaults()
	return net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
}

// Run serves srv until ctx is cancelled or the transport fails.
func Run(ctx context.Context, srv *mcp.Server, opts *Options) error {
	options := opts.withDefaults()
	switch options.Transport {
	case Stdio:
		options.Logger.Info("serving", "transport", Stdio)
		err := srv.Run(ctx, &mcp.StdioTransport{})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case SSE, StreamableHTTP:
		handler, err := Handler(srv, &options)
		if err != nil {
			return err
		}
		return listenAndServe(ctx, handler, options)
	default:
		return fmt.Errorf("%w %q", ErrUnknownTransport, options.Transport)
	}
}

// Handler builds the HTTP surface for an HTTP transport.
func Handler(srv *mcp.Server, opts *Options) (http.Handler, error) {
	options := opts.withDefaults()
	getServer := func(*http.Request) *mcp.Server { return srv }

	var endpoint http.Handler
	switch options.Transport {
	case StreamableHTTP:
		endpoint = mcp.NewStreamableHTTPHandler(getServer, &mcp.StreamableHTTPOptions{})
	case SSE:
		endpoint = mcp.NewSSEHandler(getServer, &mcp.SSEOptions{})
	default:
		return nil, fmt.Errorf("serve: transport %q has no HTTP handler", options.Transport)
	}

	if options.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(options.TokenVerifier, options.TokenOptions)(endpoint)
	} else if options.TokenOptions != nil {
		return nil, errors.New("serve: TokenOptions require a TokenVerifier")
	}

	mux := http.NewServeMux()
	mux.Handle(options.Path, endpoint)
	if !strings.HasSuffix(options.Path, "/") {
		mux.Handle(options.Path+"/", endpoint)
	}
	mux.HandleFunc("/health", health(options.Ready))
	if options.Metrics != nil {
		mux.Handle("/metrics", options.Metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: options.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders: []string{"Mcp-Session-Id", "Mcp-Protocol-Version"},
		MaxAge:         86400,
	})
	return c.Handler(mux), nil
}

type healthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func health(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status, code := healthStatus{Status: "ok"}, http.StatusOK
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				status, code = healthStatus{Status: "unavailable", Error: err.Error()}, http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

func listenAndServe(ctx context.Context, handler http.Handler, opts Options) error {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	opts.Logger.Info("serving", "transport", opts.Transport, "addr", addr, "path", opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			opts.Logger.Warn("shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// StaticToken accepts exactly token. Accepted tokens are valid for an hour
// from the request.
func StaticToken(token string) auth.TokenVerifier {
	want := []byte(token)
	return func(_ context.Context, got string, _ *http.Request) (*auth.TokenInfo, error) {
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
