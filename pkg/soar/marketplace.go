package soar

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-security-go/pkg/capability"
	"github.com/vikashloomba/mcp-security-go/pkg/loader"
)

// MarketplaceDir is the directory holding integration manifests inside
// Marketplace.
const MarketplaceDir = "marketplace"

// Marketplace holds the integration manifests shipped with the binary.
//
//go:embed marketplace/*.yaml
var Marketplace embed.FS

// Manifest describes one marketplace integration: every action becomes a
// tool named "<prefix>_<action>" executed as a manual action on a case.
type Manifest struct {
	Integration string   `yaml:"integration"`
	Prefix      string   `yaml:"prefix"`
	Description string   `yaml:"description"`
	Actions     []Action `yaml:"actions"`
}

// Action is a single integration script.
type Action struct {
	Name        string      `yaml:"name"`
	Script      string      `yaml:"script"`
	Description string      `yaml:"description"`
	Parameters  []Parameter `yaml:"parameters"`
}

// Parameter maps a tool argument onto a script parameter.
type Parameter struct {
	Name        string   `yaml:"name"`
	Property    string   `yaml:"property"`
	Type        string   `yaml:"type"`
	Required    bool     `yaml:"required"`
	Enum        []string `yaml:"enum"`
	Description string   `yaml:"description"`
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reserved argument names shared by every action tool.
var reservedArgs = map[string]struct{}{
	"case_id":                 {},
	"alert_group_identifiers": {},
	"target_entities":         {},
	"scope":                   {},
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("soar: decode manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Integration) == "" {
		return errors.New("soar: manifest integration is required")
	}
	if !identPattern.MatchString(m.Prefix) {
		return fmt.Errorf("soar: manifest %s: invalid prefix %q", m.Integration, m.Prefix)
	}
	seen := make(map[string]struct{}, len(m.Actions))
	for _, a := range m.Actions {
		if !identPattern.MatchString(a.Name) {
			return fmt.Errorf("soar: manifest %s: invalid action name %q", m.Integration, a.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("soar: manifest %s: duplicate action %q", m.Integration, a.Name)
		}
		seen[a.Name] = struct{}{}
		if a.Script == "" {
			return fmt.Errorf("soar: manifest %s: action %s has no script", m.Integration, a.Name)
		}
		params := make(map[string]struct{}, len(a.Parameters))
		for _, p := range a.Parameters {
			if !identPattern.MatchString(p.Name) || p.Property == "" {
				return fmt.Errorf("soar: manifest %s: action %s: invalid parameter %q", m.Integration, a.Name, p.Name)
			}
			if _, ok := reservedArgs[p.Name]; ok {
				return fmt.Errorf("soar: manifest %s: action %s: parameter %q is reserved", m.Integration, a.Name, p.Name)
			}
			if _, dup := params[p.Name]; dup {
				return fmt.Errorf("soar: manifest %s: action %s: duplicate parameter %q", m.Integration, a.Name, p.Name)
			}
			params[p.Name] = struct{}{}
			switch p.Type {
			case "", "string", "boolean", "integer", "array":
			default:
				return fmt.Errorf("soar: manifest %s: action %s: parameter %s has unsupported type %q", m.Integration, a.Name, p.Name, p.Type)
			}
		}
	}
	return nil
}

// ToolName reports the flat tool name of action a.
func (m *Manifest) ToolName(a Action) string { return m.Prefix + "_" + a.Name }

// Importer returns a loader.Importer that turns manifests into entrypoints
// registering one tool per action, executed through exec. An entrypoint
// checks every tool name before registering any, so a manifest that clashes
// with an existing tool leaves nothing behind.
func Importer(exec *Executor) loader.Importer {
	return func(fsys fs.FS, name string) (loader.Entrypoint, error) {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, err
		}
		if len(m.Actions) == 0 {
			return nil, nil
		}
		return func(srv *capability.Server) error {
			for _, a := range m.Actions {
				name := srv.ToolName(m.Prefix, m.ToolName(a))
				if owner, taken := srv.ToolOwner(name); taken {
					return fmt.Errorf("%w: %q already registered by %q", capability.ErrDuplicateTool, name, owner)
				}
			}
			for _, a := range m.Actions {
				tool := &mcp.Tool{
					Name:        m.ToolName(a),
					Description: a.Description,
					InputSchema: actionSchema(a),
				}
				if err := srv.AddTool(m.Prefix, tool, exec.Handler(m.Integration, a)); err != nil {
					return err
				}
			}
			return nil
		}, nil
	}
}

func actionSchema(a Action) map[string]any {
	props := map[string]any{
		"case_id":                 stringProp("The ID of the case."),
		"alert_group_identifiers": stringsProp("Identifiers for the alert groups."),
		"target_entities": map[string]any{
			"type":        "array",
			"description": "Optional list of specific target entities (Identifier, EntityType) to run the action on. When set, scope is ignored.",
			"items": objectSchema(map[string]any{
				"Identifier": stringProp("Entity identifier."),
				"EntityType": stringProp("Entity type."),
			}, "Identifier", "EntityType"),
		},
		"scope": map[string]any{
			"type":        "string",
			"description": "Defines the scope for the action.",
			"default":     DefaultScope,
		},
	}
	required := []string{"case_id", "alert_group_identifiers"}
	for _, p := range a.Parameters {
		var prop map[string]any
		switch p.Type {
		case "boolean":
			prop = boolProp(p.Description)
		case "integer":
			prop = map[string]any{"type": "integer", "description": p.Description}
		case "array":
			prop = stringsProp(p.Description)
		default:
			prop = stringProp(p.Description)
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return objectSchema(props, required...)
}
