// Package soar is the SOAR server role: a REST client for the platform API,
// the binding backend built on it, the built-in case-management tools and
// the marketplace of integration manifests whose actions run as manual
// actions on a case.
package soar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-security-go/pkg/binding"
)

// API paths relative to the platform base URL.
const (
	pathExecuteManualAction    = "/api/external/v1/cases/ExecuteManualAction"
	pathIntegrationInstances   = "/api/1p/external/v1/integrations/%s/integrationInstances?$select=identifier"
	pathCases                  = "/api/1p/external/v1/cases"
	pathCase                   = "/api/1p/external/v1/cases/%s"
	pathCaseComments           = "/api/1p/external/v1/cases/%s/comments"
	pathCaseAlerts             = "/api/1p/external/v1.0/cases/%s/caseAlerts"
	pathAlertGroupIdentifiers  = "/api/1p/external/v1.0/cases/%s/caseAlerts?$select=alertGroupIdentifier"
	pathInvolvedEvents         = "/api/1p/external/v1.0/cases/%s/alerts/%s/involvedEvents"
	pathEntityData             = "/api/external/v1/entities/GetEntityData"
	pathEntitySearch           = "/api/external/v1.0/entity-search/entities"
	pathScopes                 = "/api/external/v1/settings/GetScopes"
	pathAlertGroupEntitiesCase = "/api/external/v1/case-overview/GetAlertsEntities"
)

const appKeyHeader = "AppKey"

// Config holds what a Client needs to reach the platform.
type Config struct {
	// URL is the platform base URL, e.g. https://example.siemplify-soar.com.
	URL string
	// AppKey authenticates every request.
	AppKey string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("soar: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client is the shared platform client. It is safe for concurrent use.
type Client struct {
	baseURL string
	appKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient validates cfg and returns a client. A missing URL or AppKey is
// reported as binding.ErrInvalidConfig.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: SOAR_URL is required", binding.ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: SOAR_URL %q: %v", binding.ErrInvalidConfig, cfg.URL, err)
	}
	if strings.TrimSpace(cfg.AppKey) == "" {
		return nil, fmt.Errorf("%w: SOAR_APP_KEY is required", binding.ErrInvalidConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: base, appKey: cfg.AppKey, http: httpClient, logger: logger}, nil
}

// Factory adapts cfg into a binding factory.
func Factory(cfg Config) binding.Factory[*Client] {
	return func(context.Context) (*Client, error) {
		return NewClient(cfg)
	}
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

// ValidScopes fetches the scopes manual actions may target.
func (c *Client) ValidScopes(ctx context.Context) ([]string, error) {
	var scopes []string
	if err := c.Get(ctx, pathScopes, nil, &scopes); err != nil {
		return nil, err
	}
	return scopes, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("soar: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("soar: build request: %w", err)
	}
	req.Header.Set(appKeyHeader, c.appKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("soar: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("soar: read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("soar request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 512)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("soar: decode %s response: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
