// Package capability wraps a modelcontextprotocol/go-sdk server with the
// bookkeeping shared by every security server in this repository: each tool
// name belongs to exactly one owner, names are flattened through a Namespace,
// and handler failures surface as structured IsError results instead of
// protocol errors.
//
// Capability modules implement Module and, optionally, ResourceRegistrar.
package capability
