package falcon

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
)

var statusDescriptions = map[int]string{
	http.StatusForbidden:           "Permission denied. The API credentials don't have the required access.",
	http.StatusUnauthorized:        "Authentication failed. The API credentials are invalid or expired.",
	http.StatusNotFound:            "Resource not found. The requested resource does not exist.",
	http.StatusTooManyRequests:     "Rate limit exceeded. Too many requests in a short period.",
	http.StatusInternalServerError: "Server error. An unexpected error occurred on the server.",
	http.StatusServiceUnavailable:  "Service unavailable. The service is temporarily unavailable.",
}

// APIError is a non-200 response to an operation.
type APIError struct {
	Operation  string
	StatusCode int
	Errors     []ResponseError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("falcon: %s: %s", e.Operation, DescribeStatus(e.StatusCode))
}

// DescribeStatus explains a status code in terms of what the caller can do.
func DescribeStatus(code int) string {
	if desc, ok := statusDescriptions[code]; ok {
		return desc
	}
	return fmt.Sprintf("Request failed with status code %d", code)
}

// ToolError renders err as the structured error object returned by tools.
// message prefixes the description, e.g. "Failed to search hosts". Permission
// failures carry the scopes the operation needs and how to grant them.
func ToolError(message string, err error) *capability.Error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &capability.Error{Message: fmt.Sprintf("%s: %v", message, err)}
	}

	status := DescribeStatus(apiErr.StatusCode)
	out := &capability.Error{
		Details: map[string]any{
			"status_code": apiErr.StatusCode,
			"operation":   apiErr.Operation,
		},
	}
	if len(apiErr.Errors) > 0 {
		out.Details["errors"] = apiErr.Errors
	}
	if apiErr.StatusCode == http.StatusForbidden {
		if scopes := RequiredScopes(apiErr.Operation); len(scopes) > 0 {
			list := strings.Join(scopes, ", ")
			status += " Required scopes: " + list
			out.RequiredScopes = scopes
			out.Resolution = fmt.Sprintf("This operation requires the following API scopes: %s. "+
				"Please ensure your API client has been granted these scopes in the CrowdStrike Falcon console.", list)
		}
	}
	out.Message = message + ": " + status
	return out
}

// RequiredScopes lists the API scopes needed for the operation ID.
func RequiredScopes(operation string) []string {
	if op, ok := operations[operation]; ok {
		return slices.Clone(op.Scopes)
	}
	return nil
}
