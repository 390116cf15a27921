package toolset

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// fakeRemote scripts the behavior of successive sessions. listErrs is
// consumed one entry per ListTools call across all sessions.
type fakeRemote struct {
	mu       sync.Mutex
	tools    []*mcp.Tool
	listErrs []error
	callErrs []error
	pages    int

	dials     atomic.Int32
	lists     atomic.Int32
	calls     atomic.Int32
	closes    atomic.Int32
	dialError error
}

func (r *fakeRemote) dialer() Dialer {
	return func(context.Context) (Session, error) {
		r.dials.Add(1)
		if r.dialError != nil {
			return nil, r.dialError
		}
		return &fakeSession{remote: r, id: int(r.dials.Load())}, nil
	}
}

func (r *fakeRemote) nextErr(errs *[]error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

type fakeSession struct {
	remote *fakeRemote
	id     int
	closed atomic.Bool
}

func (s *fakeSession) ListTools(_ context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	s.remote.lists.Add(1)
	if err := s.remote.nextErr(&s.remote.listErrs); err != nil {
		return nil, err
	}
	if s.remote.pages < 2 {
		return &mcp.ListToolsResult{Tools: s.remote.tools}, nil
	}
	// Serve one tool per page.
	idx := 0
	if params != nil && params.Cursor != "" {
		_, _ = fmt.Sscanf(params.Cursor, "page-%d", &idx)
	}
	res := &mcp.ListToolsResult{Tools: s.remote.tools[idx : idx+1]}
	if idx+1 < len(s.remote.tools) {
		res.NextCursor = fmt.Sprintf("page-%d", idx+1)
	}
	return res, nil
}

func (s *fakeSession) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	s.remote.calls.Add(1)
	if err := s.remote.nextErr(&s.remote.callErrs); err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s via session %d", params.Name, s.id)}},
	}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.remote.closes.Add(1)
	return nil
}

func threeTools() []*mcp.Tool {
	return []*mcp.Tool{
		{Name: "top_vulnerability_findings"},
		{Name: "get_finding_remediation"},
		{Name: "list_assets"},
	}
}
