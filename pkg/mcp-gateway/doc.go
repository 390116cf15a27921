// Package mcpgateway is the agent-host side of the platform: it reads the
// toolset definitions from YAML, switches each one on or off from the
// environment, and fronts every enabled toolset with a cached, reconnecting
// proxy. The tools of all toolsets are re-exposed by one MCP server under
// names of the form <toolset>__<tool>.
package mcpgateway
