package ingestion

import (
	"context"
	"encoding/json"
	"sync"

	"catalogd/internal/apperrors"
	"catalogd/internal/ingestion/llm"
)

// ToolHandler executes one registered tool call against live arguments.
type ToolHandler func(ctx context.Context, arguments map[string]any) (any, error)

type registeredTool struct {
	def     llm.ToolDefinition
	handler ToolHandler
}

// ToolRegistry holds the set of tools the agent may call during the
// Thinking/ExecutingTools loop. Safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds a tool. Re-registering a name replaces the prior handler.
func (r *ToolRegistry) Register(def llm.ToolDefinition, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registeredTool{def: def, handler: handler}
}

// Definitions returns the registry's current tool definitions, for
// attaching to an LLM completion request. Empty (not nil) when no tools
// are registered, so callers can test len() without a nil check.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Execute runs the named tool and renders its result the way a tool
// response message expects: pretty-printed JSON on success, or
// "Error: <msg>" on failure. Execute itself never returns an error for an
// unknown tool or a failing handler — the LLM is meant to see the failure
// and adapt, per the tool loop's error semantics.
func (r *ToolRegistry) Execute(ctx context.Context, name string, arguments map[string]any) string {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "Error: unknown tool " + name
	}

	result, err := tool.handler(ctx, arguments)
	if err != nil {
		return "Error: " + err.Error()
	}

	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "Error: " + apperrors.Wrap("ingestion.ToolRegistry.Execute", apperrors.KindParse, err).Error()
	}
	return string(body)
}
