package capability

// Namespace decides the flat, downstream-visible name of a tool declared by an
// owner. Implementations must be deterministic for a given owner/name pair.
type Namespace interface {
	ToolName(owner, name string) string
}

// Verbatim exposes tool names exactly as modules declare them.
type Verbatim struct{}

func (Verbatim) ToolName(_, name string) string { return name }

// FixedPrefix prefixes every tool with the same server-wide prefix, e.g.
// "falcon" + "_" + "search_hosts". The separator defaults to "_".
type FixedPrefix struct {
	Prefix    string
	Separator string
}

func (p FixedPrefix) ToolName(_, name string) string {
	if p.Prefix == "" {
		return name
	}
	sep := p.Separator
	if sep == "" {
		sep = "_"
	}
	return p.Prefix + sep + name
}

// OwnerPrefix prefixes every identifier with the owning module or toolset,
// separating fields with a configurable delimiter (defaults to "__" to stay
// within the MCP character guidance for tool names).
type OwnerPrefix struct {
	Separator string
}

func (o OwnerPrefix) separator() string {
	if o.Separator == "" {
		return "__"
	}
	return o.Separator
}

func (o OwnerPrefix) ToolName(owner, name string) string {
	if owner == "" {
		return name
	}
	return owner + o.separator() + name
}
