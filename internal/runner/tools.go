// ABOUTME: Tool registry for the streaming agent loop
// ABOUTME: Maps tool names to handlers and produces chat-completions tool specs

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolFunc executes one tool call. args is the raw JSON argument object
// assembled from the model's tool_call deltas.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object; nil means no arguments.
	Parameters json.RawMessage
	Func       ToolFunc
}

// ToolRegistry holds the tools available to runs.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolSpec
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolSpec)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Func == nil {
		return fmt.Errorf("tool %q has no handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	return nil
}

// Lookup returns the tool with the given name.
func (r *ToolRegistry) Lookup(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	return spec, ok
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// specs renders the registry in chat-completions tool format, sorted by
// name for stable request bodies.
func (r *ToolRegistry) specs() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		spec := r.tools[name]
		params := spec.Parameters
		if params == nil {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters":  params,
			},
		})
	}
	return out
}
