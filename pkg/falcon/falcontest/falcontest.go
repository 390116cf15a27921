// Package falcontest provides an in-process Falcon API for tests.
package falcontest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/falcon"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
	Token        = "test-token"
)

// API fakes the token endpoint plus whatever operation routes a test adds.
type API struct {
	Server *httptest.Server

	mu        sync.Mutex
	routes    map[string]http.HandlerFunc
	requests  []*http.Request
	denyToken bool
}

// New starts an API and closes it when t ends.
func New(t testing.TB) *API {
	t.Helper()
	a := &API{routes: make(map[string]http.HandlerFunc)}
	a.Server = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.Server.Close)
	return a
}

// Handle routes "METHOD /path" to h.
func (a *API) Handle(pattern string, h http.HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[pattern] = h
}

// Resources routes pattern to a 200 response carrying resources.
func (a *API) Resources(pattern string, resources ...any) {
	if resources == nil {
		resources = []any{}
	}
	a.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		Write(w, http.StatusOK, map[string]any{"resources": resources})
	})
}

// Status routes pattern to an error response with code.
func (a *API) Status(pattern string, code int) {
	a.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		Write(w, code, map[string]any{
			"resources": []any{},
			"errors":    []map[string]any{{"code": code, "message": http.StatusText(code)}},
		})
	})
}

// DenyToken makes the token endpoint reject the credentials.
func (a *API) DenyToken() {
	a.mu.Lock()
	a.denyToken = true
	a.mu.Unlock()
}

// Requests returns the API requests seen so far, token requests excluded.
func (a *API) Requests() []*http.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*http.Request(nil), a.requests...)
}

// Client returns a client configured against the API.
func (a *API) Client(t testing.TB) *falcon.Client {
	t.Helper()
	c, err := falcon.NewClient(falcon.Config{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		BaseURL:      a.Server.URL,
		Version:      "test",
		HTTPClient:   a.Server.Client(),
	})
	if err != nil {
		t.Fatalf("falcon.NewClient: %v", err)
	}
	return c
}

func (a *API) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth2/token" {
		a.serveToken(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+Token {
		Write(w, http.StatusUnauthorized, map[string]any{"errors": []map[string]any{{"code": 401, "message": "access denied"}}})
		return
	}
	a.mu.Lock()
	a.requests = append(a.requests, r.Clone(r.Context()))
	h, ok := a.routes[r.Method+" "+r.URL.Path]
	a.mu.Unlock()
	if !ok {
		notFound(w)
		return
	}
	h(w, r)
}

func (a *API) serveToken(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	deny := a.denyToken
	a.mu.Unlock()
	if err := r.ParseForm(); err != nil || deny ||
		r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		Write(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	Write(w, http.StatusCreated, map[string]any{
		"access_token": Token,
		"token_type":   "bearer",
		"expires_in":   1799,
	})
}

func notFound(w http.ResponseWriter) {
	Write(w, http.StatusNotFound, map[string]any{"errors": []map[string]any{{"code": 404, "message": "not found"}}})
}

// Write encodes v as the JSON response body.
func Write(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Connect serves srv over an in-memory transport and returns a client
// session closed when t ends.
func Connect(t testing.TB, srv *capability.Server) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	go func() { _ = srv.MCP().Run(ctx, serverTransport) }()

	cs, err := mcp.NewClient(&mcp.Implementation{Name: "falcontest", Version: "0.0.1"}, nil).Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// Call invokes the named tool and fails t on a protocol error.
func Call(t testing.TB, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return res
}

// Text returns the first text content of res.
func Text(t testing.TB, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("result has no content")
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want *mcp.TextContent", res.Content[0])
	}
	return tc.Text
}
