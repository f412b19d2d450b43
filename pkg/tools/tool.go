package tools

import "context"

// Tool is something the model can invoke during the tool-calling loop.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ContextAwareTool receives the current channel and chat before each
// conversational turn, so results can route back to the right place.
type ContextAwareTool interface {
	Tool
	SetContext(channel, chatID string)
}

// ToolResult separates what the model sees from what the user sees.
type ToolResult struct {
	ForLLM  string // fed back into the conversation
	ForUser string // shown to the user directly, optional
	Silent  bool   // suppress user-facing echo
	IsError bool
	Err     error
}

func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func ErrorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, IsError: true}
}

func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

// Content returns the string recorded as the tool message in history.
func (r *ToolResult) Content() string {
	if r == nil {
		return ""
	}
	return r.ForLLM
}
