package conclave

import (
	"context"
	"encoding/json"
	"strings"
)

// Tool defines an agent capability with one or more tool functions. This is
// the static ToolRegistry interface called for by spec §9's redesign note
// ("replace dynamic function tables with a ToolRegistry interface whose
// implementations are known statically").
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ExternalToolRegistry is a distinct registry for MCP (external) tools,
// tried by the Tool Dispatcher only after the local ToolRegistry reports no
// match (spec §4.B step 1; spec §9 redesign note). Grounded on mcp/server.go
// and mcp/protocol.go.
type ExternalToolRegistry interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
	Has(name string) bool
}

// ToolRegistry holds all locally registered tools and dispatches execution
// by name, sanitizing the name (stripping `.`) before lookup failures are
// reported (spec §4.B step 1, §6 "Tool name cleanup").
type ToolRegistry struct {
	tools    []Tool
	external ExternalToolRegistry
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a local tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// SetExternal wires an MCP (external) registry, tried after local tools.
func (r *ToolRegistry) SetExternal(ext ExternalToolRegistry) {
	r.external = ext
}

// AllDefinitions returns tool definitions from all registered tools,
// local first, then external.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	if r.external != nil {
		defs = append(defs, r.external.Definitions()...)
	}
	return defs
}

// CleanToolName strips `.` from a tool name before presentation, per spec §6.
func CleanToolName(name string) string {
	return strings.ReplaceAll(name, ".", "")
}

// Execute dispatches a tool call by name: local registry first, then the
// external (MCP) registry, then a typed error result if neither resolves
// (spec §4.B step 1).
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	if r.external != nil && r.external.Has(name) {
		return r.external.Execute(ctx, name, args)
	}
	return ToolResult{Error: "unknown tool: " + CleanToolName(name)}, nil
}
