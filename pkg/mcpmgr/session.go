package mcpmgr

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-security-go/pkg/toolset"
)

// Session is one established client session handed out by Dial. It stays
// bound to the connection it was created with: once that connection closes,
// every call fails with an error wrapping toolset.ErrSessionClosed and the
// caller is expected to Close it and Dial again.
type Session struct {
	mgr      *Manager
	serverID string
	cs       *mcp.ClientSession
	timeout  time.Duration
	// ended is set once a call has seen the connection closed.
	ended atomic.Bool
}

// Dial returns a session for serverID, connecting if needed. Callers that
// share a server ID share the underlying connection.
func (m *Manager) Dial(ctx context.Context, serverID string) (*Session, error) {
	cs, timeout, err := m.ensureSession(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: dial %q: %w", serverID, err)
	}
	return &Session{mgr: m, serverID: serverID, cs: cs, timeout: timeout}, nil
}

// ServerID returns the manager key the session was dialed with.
func (s *Session) ServerID() string { return s.serverID }

// ID returns the protocol session identifier, which is empty for stdio.
func (s *Session) ID() string { return s.cs.ID() }

// ListTools fetches one page of the server's tools.
func (s *Session) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	res, err := listTools(ctx, s.cs, s.timeout, params)
	return res, s.classify(err)
}

// CallTool invokes a tool on the session. A session the manager has already
// forgotten fails without sending the call.
func (s *Session) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if !s.mgr.isLive(s.serverID, s.cs) {
		s.ended.Store(true)
		return nil, fmt.Errorf("%w: mcpmgr: session for %q has ended", toolset.ErrSessionClosed, s.serverID)
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.cs.CallTool(ctx, params)
	return res, s.classify(err)
}

// sessionMissing is the text of the SDK's unexported error for an HTTP 404 on
// a known session ID, which a server sends once it has dropped the session
// (for example after a restart).
const sessionMissing = "session not found"

// classify marks err as a closed session when the connection has ended or
// the server no longer knows the session.
func (s *Session) classify(err error) error {
	if err == nil {
		return nil
	}
	if toolset.IsSessionClosed(err) {
		s.ended.Store(true)
		return err
	}
	if !s.mgr.isLive(s.serverID, s.cs) || strings.Contains(err.Error(), sessionMissing) {
		s.ended.Store(true)
		return fmt.Errorf("%w: %w", toolset.ErrSessionClosed, err)
	}
	return err
}

// Close closes the underlying connection. If the manager still tracks it as
// the live session for the server, it is forgotten so the next Dial
// reconnects; a newer session is left alone. Closing a session no call has
// seen fail does not count as a session error.
func (s *Session) Close() error {
	s.mgr.forgetSession(s.serverID, s.cs, !s.ended.Load())
	return s.cs.Close()
}
