package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ServerSummary aggregates status information for a managed server.
type ServerSummary struct {
	ID     string
	Status ConnectionStatus
	Config ServerConfig
}

// Manager orchestrates multiple MCP client sessions.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger

	states map[string]*managedState
	// closing holds sessions closed on purpose until their monitor sees them
	// end.
	closing map[*mcp.ClientSession]struct{}

	toolListHandlers map[string][]func(context.Context, *mcp.ToolListChangedRequest)
}

type managedState struct {
	config ServerConfig

	timeout time.Duration

	client         *mcp.Client
	session        *mcp.ClientSession
	sessionTracker *sessionIDTracker

	connecting bool
	connectCh  chan struct{}
}

// NewManager constructs a Manager with optional initial server configurations.
// No server is dialed until it is first used.
func NewManager(cfg map[string]ServerConfig, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	m := &Manager{
		options:          options,
		logger:           options.Logger,
		states:           make(map[string]*managedState),
		closing:          make(map[*mcp.ClientSession]struct{}),
		toolListHandlers: make(map[string][]func(context.Context, *mcp.ToolListChangedRequest)),
	}
	for id, sc := range cfg {
		m.states[id] = &managedState{config: sc, sessionTracker: &sessionIDTracker{}}
	}
	return m
}

// ListServers returns known server identifiers, sorted.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether a server ID is known.
func (m *Manager) HasServer(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[serverID]
	return ok
}

// GetServerSummaries returns status snapshots for all managed servers. The
// status of a connected server is confirmed with a ping.
func (m *Manager) GetServerSummaries(ctx context.Context) []ServerSummary {
	m.mu.RLock()
	summaries := make([]ServerSummary, 0, len(m.states))
	for id, st := range m.states {
		summaries = append(summaries, ServerSummary{ID: id, Config: st.config})
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	for idx := range summaries {
		summaries[idx].Status = m.ConnectionStatus(ctx, summaries[idx].ID)
	}
	return summaries
}

// GetServerConfig returns the configuration registered for serverID.
func (m *Manager) GetServerConfig(serverID string) ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.config
	}
	return nil
}

// ConnectToServer establishes (or reuses) a client session. When cfg is nil,
// the previously registered configuration is used. Concurrent callers for the
// same server share one connection attempt.
func (m *Manager) ConnectToServer(ctx context.Context, serverID string, cfg ServerConfig) (*mcp.ClientSession, error) {
	for {
		m.mu.Lock()
		state, ok := m.states[serverID]
		if !ok {
			if cfg == nil {
				m.mu.Unlock()
				return nil, fmt.Errorf("mcpmgr: unknown server %q", serverID)
			}
			state = &managedState{sessionTracker: &sessionIDTracker{}}
			m.states[serverID] = state
		}
		if cfg != nil {
			state.config = cfg
		}
		if state.config == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("mcpmgr: missing configuration for %q", serverID)
		}
		if state.session != nil {
			session := state.session
			m.mu.Unlock()
			return session, nil
		}
		if state.connecting {
			ch := state.connectCh
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
				continue
			}
		}
		state.connecting = true
		state.connectCh = make(chan struct{})
		timeout := state.config.base().Timeout
		if timeout <= 0 {
			timeout = m.options.DefaultTimeout
		}
		state.timeout = timeout
		m.mu.Unlock()

		session, client, err := m.establishSession(ctx, serverID, state)
		m.mu.Lock()
		state.connecting = false
		close(state.connectCh)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		state.session = session
		state.client = client
		m.mu.Unlock()
		m.logger.Debug("connected to server", "server", serverID, "transport", TransportOf(state.config))
		go m.monitorSession(serverID, session)
		return session, nil
	}
}

type connectFunc func(context.Context, mcp.Transport) (*mcp.ClientSession, *mcp.Client, error)

func (m *Manager) establishSession(ctx context.Context, serverID string, state *managedState) (*mcp.ClientSession, *mcp.Client, error) {
	base := state.config.base()
	impl := &mcp.Implementation{
		Name:    m.effectiveClientName(serverID),
		Version: m.options.DefaultClientVersion,
	}
	clientOpts := m.clientOptions(serverID, base)
	logJSONRPC := base.LogJSONRPC || m.options.DefaultLogJSONRPC

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, *mcp.Client, error) {
		client := mcp.NewClient(impl, clientOpts)
		wrapped := transport
		if logJSONRPC {
			wrapped = &loggingTransport{serverID: serverID, delegate: transport, logger: m.logger}
		}
		session, err := client.Connect(ctx, wrapped, nil)
		if err != nil {
			return nil, nil, err
		}
		return session, client, nil
	}

	connectCtx, cancel := m.withTimeout(ctx, state.timeout)
	defer cancel()

	switch cfg := state.config.(type) {
	case *StdioServerConfig:
		transport, err := m.buildStdioTransport(serverID, cfg)
		if err != nil {
			return nil, nil, err
		}
		return attempt(connectCtx, transport)
	case *HTTPServerConfig:
		return m.establishHTTPSession(connectCtx, serverID, state, cfg, attempt)
	default:
		return nil, nil, fmt.Errorf("mcpmgr: unsupported config for %q", serverID)
	}
}

func (m *Manager) establishHTTPSession(
	ctx context.Context,
	serverID string,
	state *managedState,
	cfg *HTTPServerConfig,
	attempt connectFunc,
) (*mcp.ClientSession, *mcp.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil, fmt.Errorf("mcpmgr: endpoint missing for %q", serverID)
	}
	tracker := state.sessionTracker
	if tracker == nil {
		tracker = &sessionIDTracker{}
		state.sessionTracker = tracker
	}
	tracker.Set("")

	httpClient := decorateHTTPClient(nil, cfg.Headers, tracker, cfg.AuthProvider)
	var streamErr error
	if !shouldPreferSSE(cfg) {
		streamable := &mcp.StreamableClientTransport{
			Endpoint:   cfg.Endpoint,
			HTTPClient: httpClient,
			MaxRetries: cfg.MaxRetries,
		}
		session, client, err := attempt(ctx, streamable)
		if err == nil {
			tracker.Set(session.ID())
			return session, client, nil
		}
		streamErr = err
		m.logger.Debug("streamable HTTP connect failed, falling back to SSE", "server", serverID, "error", err)
	}

	sse := &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: httpClient}
	session, client, err := attempt(ctx, sse)
	if err != nil {
		if streamErr != nil {
			return nil, nil, fmt.Errorf("mcpmgr: connect %q: streamable error: %v; sse error: %w", serverID, streamErr, err)
		}
		return nil, nil, fmt.Errorf("mcpmgr: connect %q: %w", serverID, err)
	}
	tracker.Set(session.ID())
	return session, client, nil
}

func (m *Manager) buildStdioTransport(serverID string, cfg *StdioServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// monitorSession forgets the session once it ends, so the next call dials a
// new one. An error end is passed to OnSessionError unless the session was
// closed on purpose while still healthy.
func (m *Manager) monitorSession(serverID string, session *mcp.ClientSession) {
	err := session.Wait()
	if m.forgetSession(serverID, session, false) {
		m.logger.Info("server session ended", "server", serverID, "error", err)
	}
	m.mu.Lock()
	_, closing := m.closing[session]
	delete(m.closing, session)
	m.mu.Unlock()
	if err != nil && !closing && m.options.OnSessionError != nil {
		m.options.OnSessionError(serverID, err)
	}
}

// forgetSession clears the state for serverID if session is still the live
// one, marking it as closed on purpose when closing is set. It reports
// whether anything changed.
func (m *Manager) forgetSession(serverID string, session *mcp.ClientSession, closing bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[serverID]
	if !ok || st.session != session {
		return false
	}
	st.session = nil
	st.client = nil
	if closing {
		m.closing[session] = struct{}{}
	}
	return true
}

// isLive reports whether session is still the tracked session for serverID.
func (m *Manager) isLive(serverID string, session *mcp.ClientSession) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	return ok && st.session == session
}

func (m *Manager) effectiveClientName(serverID string) string {
	if m.options.DefaultClientName != "" {
		return m.options.DefaultClientName
	}
	return serverID
}

func (m *Manager) clientOptions(serverID string, base *BaseServerConfig) *mcp.ClientOptions {
	onToolListChanged := func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		m.dispatchToolListChanged(ctx, serverID, req)
	}
	return &mcp.ClientOptions{KeepAlive: base.KeepAlive, ToolListChangedHandler: onToolListChanged}
}

// OnToolListChanged registers a handler for tools/list_changed notifications
// from serverID.
func (m *Manager) OnToolListChanged(serverID string, handler func(context.Context, *mcp.ToolListChangedRequest)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.toolListHandlers[serverID] = append(m.toolListHandlers[serverID], handler)
	m.mu.Unlock()
}

func (m *Manager) dispatchToolListChanged(ctx context.Context, serverID string, req *mcp.ToolListChangedRequest) {
	m.mu.RLock()
	handlers := append([]func(context.Context, *mcp.ToolListChangedRequest){}, m.toolListHandlers[serverID]...)
	m.mu.RUnlock()
	if len(handlers) == 0 {
		m.logger.Debug("tool list changed", "server", serverID)
	}
	for _, h := range handlers {
		h(ctx, req)
	}
}

// DisconnectServer closes the session for the given server ID. The session
// is forgotten before Close returns, so a later call reconnects.
func (m *Manager) DisconnectServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	state, ok := m.states[serverID]
	if !ok || state.session == nil {
		m.mu.Unlock()
		return nil
	}
	session := state.session
	state.session = nil
	state.client = nil
	m.closing[session] = struct{}{}
	m.mu.Unlock()
	return closeWithContext(ctx, session)
}

func closeWithContext(ctx context.Context, session *mcp.ClientSession) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	go func() { done <- session.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// DisconnectAllServers closes sessions for all servers.
func (m *Manager) DisconnectAllServers(ctx context.Context) error {
	var errs []error
	for _, id := range m.ListServers() {
		if err := m.DisconnectServer(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("mcpmgr: disconnect %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ListTools fetches one page of the server's tools. A server that does not
// implement tools/list yields an empty page.
func (m *Manager) ListTools(ctx context.Context, serverID string, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	session, timeout, err := m.ensureSession(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return listTools(ctx, session, timeout, params)
}

func listTools(ctx context.Context, session *mcp.ClientSession, timeout time.Duration, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := session.ListTools(ctx, params)
	if err != nil {
		if isMethodUnavailableError(err) {
			return &mcp.ListToolsResult{Tools: []*mcp.Tool{}}, nil
		}
		return nil, err
	}
	return res, nil
}

// ConnectionStatus reports whether serverID is connected, connecting, or
// disconnected. A connected session must answer a ping within two seconds.
func (m *Manager) ConnectionStatus(ctx context.Context, serverID string) ConnectionStatus {
	m.mu.RLock()
	state, ok := m.states[serverID]
	if !ok {
		m.mu.RUnlock()
		return StatusDisconnected
	}
	if state.connecting {
		m.mu.RUnlock()
		return StatusConnecting
	}
	session := state.session
	m.mu.RUnlock()
	if session == nil {
		return StatusDisconnected
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := session.Ping(ctx, nil); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

func (m *Manager) ensureSession(ctx context.Context, serverID string) (*mcp.ClientSession, time.Duration, error) {
	for {
		m.mu.RLock()
		state, ok := m.states[serverID]
		if !ok {
			m.mu.RUnlock()
			return nil, 0, fmt.Errorf("mcpmgr: unknown server %q", serverID)
		}
		if state.session != nil {
			session, timeout := state.session, state.timeout
			m.mu.RUnlock()
			return session, timeout, nil
		}
		connectCh := state.connectCh
		connecting := state.connecting
		m.mu.RUnlock()
		if !connecting {
			if _, err := m.ConnectToServer(ctx, serverID, nil); err != nil {
				return nil, 0, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-connectCh:
		}
	}
}

func (m *Manager) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, timeout)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}
