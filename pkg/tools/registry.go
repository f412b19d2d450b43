package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

// ToolRegistry holds the tools exposed to the model for one agent.
type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// NormalizeToolName strips separators and case so model typos like
// "ReadFile" still resolve to "read_file".
func NormalizeToolName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// Get resolves a tool by exact name, then by normalized name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tool, ok := r.tools[name]; ok {
		return tool, true
	}

	want := NormalizeToolName(name)
	for registered, tool := range r.tools {
		if NormalizeToolName(registered) == want {
			return tool, true
		}
	}
	return nil, false
}

// List returns registered tool names in sorted order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDefinitions returns tool schemas in the provider wire shape.
func (r *ToolRegistry) GetDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

// SetContext pushes the active channel and chat to every tool that
// cares about routing.
func (r *ToolRegistry) SetContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tool := range r.tools {
		if ca, ok := tool.(ContextAwareTool); ok {
			ca.SetContext(channel, chatID)
		}
	}
}

// Execute runs a tool by name. Unknown tools and execution failures
// come back as result strings, not errors, so the model can recover.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("Error: unknown tool: %s", name))
	}

	result := tool.Execute(ctx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("Error: tool %s returned no result", name))
	}
	if result.IsError {
		logger.WarnCF("tools", "Tool returned error", map[string]interface{}{
			"tool":  name,
			"error": result.ForLLM,
		})
	}
	return result
}
