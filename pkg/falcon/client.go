// Package falcon is the EDR server role: an OAuth2 client for the Falcon
// API, the error formatting shared by its tools, and the module catalog that
// the hosts, detections and intel packages register themselves into.
package falcon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "https://api.crowdstrike.com"

// ErrInvalidConfig reports missing or malformed client configuration.
var ErrInvalidConfig = errors.New("falcon: invalid configuration")

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Version is the server version reported in the User-Agent.
	Version string
	// UserAgentComment is prepended to the User-Agent comment section.
	UserAgentComment string
	// HTTPClient is the base transport for token and API requests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls Falcon API operations with a client-credentials token.
type Client struct {
	baseURL   string
	userAgent string
	tokens    oauth2.TokenSource
	http      *http.Client
	logger    *slog.Logger
}

// NewClient builds a client. No request is made until Authenticate or the
// first Command.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: FALCON_CLIENT_ID and FALCON_CLIENT_SECRET are required", ErrInvalidConfig)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: FALCON_BASE_URL %q: %v", ErrInvalidConfig, cfg.BaseURL, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ua := UserAgent(cfg.Version, cfg.UserAgentComment)
	baseHTTP := cfg.HTTPClient
	if baseHTTP == nil {
		baseHTTP = &http.Client{Timeout: 60 * time.Second}
	}
	withUA := *baseHTTP
	next := baseHTTP.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	withUA.Transport = &userAgentTransport{next: next, userAgent: ua}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &withUA)
	tokens := cc.TokenSource(tokenCtx)

	apiHTTP := oauth2.NewClient(tokenCtx, tokens)
	apiHTTP.Timeout = baseHTTP.Timeout

	c := &Client{
		baseURL:   base,
		userAgent: ua,
		tokens:    tokens,
		http:      apiHTTP,
		logger:    logger,
	}
	logger.Debug("initialized falcon client", "base_url", base)
	return c, nil
}

// UserAgent renders the RFC 9110 style product string
// "falcon-mcp/<version> (<comment>; Go/<version>; <os>/<arch>)".
func UserAgent(version, comment string) string {
	if version == "" {
		version = "0.1.0"
	}
	var parts []string
	if c := strings.TrimSpace(comment); c != "" {
		parts = append(parts, c)
	}
	parts = append(parts,
		"Go/"+strings.TrimPrefix(runtime.Version(), "go"),
		runtime.GOOS+"/"+runtime.GOARCH,
	)
	return fmt.Sprintf("falcon-mcp/%s (%s)", version, strings.Join(parts, "; "))
}

// UserAgent returns the User-Agent sent with every request.
func (c *Client) UserAgent() string { return c.userAgent }

// Authenticate fetches a token. The server refuses to start when it fails.
func (c *Client) Authenticate(ctx context.Context) error {
	if _, err := c.tokenWithContext(ctx); err != nil {
		return fmt.Errorf("falcon: authenticate: %w", err)
	}
	return nil
}

// CheckConnectivity reports whether a valid token is held or can be fetched.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	tok, err := c.tokenWithContext(ctx)
	if err != nil {
		return fmt.Errorf("falcon: not authenticated: %w", err)
	}
	if !tok.Valid() {
		return errors.New("falcon: token expired")
	}
	return nil
}

func (c *Client) tokenWithContext(ctx context.Context) (*oauth2.Token, error) {
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := c.tokens.Token()
		ch <- result{tok, err}
	}()
	select {
	case r := <-ch:
		return r.tok, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Response is the common Falcon API envelope.
type Response struct {
	Meta      json.RawMessage   `json:"meta,omitempty"`
	Resources []json.RawMessage `json:"resources"`
	Errors    []ResponseError   `json:"errors,omitempty"`
}

// ResponseError is one entry of the envelope's errors list.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Command invokes op and returns the envelope's resources. A non-200 status
// is returned as *APIError.
func (c *Client) Command(ctx context.Context, op Operation, query url.Values, body any) ([]json.RawMessage, error) {
	target := c.baseURL + op.Path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("falcon: encode %s body: %w", op.ID, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("falcon: build %s request: %w", op.ID, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("falcon request", "operation", op.ID, "method", op.Method, "path", op.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("falcon: %s: %w", op.ID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("falcon: read %s response: %w", op.ID, err)
	}

	var envelope Response
	decodeErr := json.Unmarshal(data, &envelope)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Operation:  op.ID,
			StatusCode: resp.StatusCode,
			Errors:     envelope.Errors,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("falcon: decode %s response: %w", op.ID, decodeErr)
	}
	return envelope.Resources, nil
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(req)
}
