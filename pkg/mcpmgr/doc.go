// Package mcpmgr manages client sessions to upstream Model Context Protocol
// servers from a single Go process. It layers connection setup (stdio
// subprocess, streamable HTTP with SSE fallback), connection de-duplication,
// and liveness tracking on top of the modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, then call ConnectToServer / DisconnectServer. Servers are
//     dialed on first use.
//   - ServerConfig (and the HTTPServerConfig / StdioServerConfig variants)
//     declare how each server is launched or contacted. TransportOf, AsStdio
//     and AsHTTP narrow a ServerConfig without a type switch.
//   - Dial hands out a *Session bound to the current connection. Its
//     ListTools / CallTool / Close methods are what remote tool-set proxies
//     consume; after the peer closes the connection, Close it and Dial again.
//
// Sessions that end on their own are forgotten by a monitor goroutine, so the
// next call reconnects, and an error that ended one is passed to
// ManagerOptions.OnSessionError. Per-server timeouts bound both connection setup and
// every call made through a Session.
package mcpmgr
