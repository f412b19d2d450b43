package providers

import "context"

// Message is a single entry in a conversation history, in the
// OpenAI-compatible shape all providers are normalized to.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Media      []string               `json:"media,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
	// Opaque provider extras (e.g. thinking signatures) echoed back
	// on subsequent requests.
	ProviderSpecific map[string]interface{} `json:"provider_specific_fields,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// HasToolCalls reports whether the response asks for tool execution.
func (r *LLMResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ChatOptions carries per-request knobs.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// LLMProvider is the chat completion interface the agent talks to.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, opts ChatOptions) (*LLMResponse, error)
	GetDefaultModel() string
}
