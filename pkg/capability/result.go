package capability

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Error is the structured error object returned to clients in place of a
// protocol error.
type Error struct {
	Message        string         `json:"error"`
	Details        map[string]any `json:"details,omitempty"`
	RequiredScopes []string       `json:"required_scopes,omitempty"`
	Resolution     string         `json:"resolution,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// TextResult wraps text in a CallToolResult.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// JSONResult marshals v to indented JSON and wraps it in a CallToolResult.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return TextResult(string(data)), nil
}

// ErrorResult renders e as an IsError result so the caller can see the error
// and self-correct.
func ErrorResult(e *Error) *mcp.CallToolResult {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		data = []byte(e.Message)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: true,
	}
}

// Failure is shorthand for ErrorResult with a message and optional details.
func Failure(msg string, details map[string]any) *mcp.CallToolResult {
	return ErrorResult(&Error{Message: msg, Details: details})
}

// FromError converts err into an IsError result, preserving a structured
// *Error when one is found in the chain.
func FromError(err error) *mcp.CallToolResult {
	var e *Error
	if errors.As(err, &e) {
		return ErrorResult(e)
	}
	return Failure(err.Error(), nil)
}

// ParseArgs decodes the tool call arguments into dst. Empty arguments leave
// dst untouched.
func ParseArgs(req *mcp.CallToolRequest, dst any) error {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, dst); err != nil {
		return fmt.Errorf("parsing tool arguments: %w", err)
	}
	return nil
}
