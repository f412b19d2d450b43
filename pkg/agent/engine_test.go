package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
)

// scriptedProvider returns canned responses in order and records every
// request it receives.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.LLMResponse
	requests  [][]providers.Message
	err       error
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, opts providers.ChatOptions) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := make([]providers.Message, len(messages))
	copy(snapshot, messages)
	p.requests = append(p.requests, snapshot)

	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &providers.LLMResponse{Content: "default response"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "mock-model" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// recordingTool logs its executions and returns a fixed result. The
// optional onExec hook runs inside Execute.
type recordingTool struct {
	name   string
	result string
	onExec func()

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (t *recordingTool) Name() string                       { return t.name }
func (t *recordingTool) Description() string                { return "test tool" }
func (t *recordingTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }

func (t *recordingTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	if t.onExec != nil {
		t.onExec()
	}
	return tools.NewToolResult(t.result)
}

func (t *recordingTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func toolCallResponse(calls ...providers.ToolCall) *providers.LLMResponse {
	return &providers.LLMResponse{ToolCalls: calls}
}

func makeToolCall(id, name string, args map[string]interface{}) providers.ToolCall {
	raw, _ := json.Marshal(args)
	return providers.ToolCall{
		ID:       id,
		Type:     "function",
		Function: providers.FunctionCall{Name: name, Arguments: string(raw)},
	}
}

func baseMessages() []providers.Message {
	return []providers.Message{
		{Role: "system", Content: "test system"},
		{Role: "user", Content: "hi"},
	}
}

func TestRunToolLoopReturnsFinalText(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "hello there"},
	}}
	registry := tools.NewToolRegistry()

	final, added, err := RunToolLoop(context.Background(), provider, registry, baseMessages(), ToolLoopOptions{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if final != "hello there" {
		t.Errorf("final = %q", final)
	}
	if len(added) != 0 {
		t.Errorf("no messages should be appended for a direct answer, got %d", len(added))
	}
}

func TestRunToolLoopExecutesToolsSequentially(t *testing.T) {
	tool := &recordingTool{name: "echo", result: "tool output"}
	registry := tools.NewToolRegistry()
	registry.Register(tool)

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		toolCallResponse(
			makeToolCall("call_1", "echo", map[string]interface{}{"n": 1}),
			makeToolCall("call_2", "echo", map[string]interface{}{"n": 2}),
		),
		{Content: "done"},
	}}

	final, added, err := RunToolLoop(context.Background(), provider, registry, baseMessages(), ToolLoopOptions{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if final != "done" {
		t.Errorf("final = %q", final)
	}
	if tool.callCount() != 2 {
		t.Fatalf("tool executed %d times, want 2", tool.callCount())
	}

	// assistant-with-calls then two tool results
	if len(added) != 3 {
		t.Fatalf("expected 3 loop messages, got %d", len(added))
	}
	if added[0].Role != "assistant" || len(added[0].ToolCalls) != 2 {
		t.Errorf("first loop message should carry the tool calls: %+v", added[0])
	}
	if added[1].ToolCallID != "call_1" || added[2].ToolCallID != "call_2" {
		t.Errorf("tool results out of order: %q, %q", added[1].ToolCallID, added[2].ToolCallID)
	}
	if added[1].Content != "tool output" {
		t.Errorf("tool result content = %q", added[1].Content)
	}
}

func TestRunToolLoopNudgesEmptyResponseOnce(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: ""},
		{Content: "recovered"},
	}}
	registry := tools.NewToolRegistry()

	final, added, err := RunToolLoop(context.Background(), provider, registry, baseMessages(), ToolLoopOptions{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if final != "recovered" {
		t.Errorf("final = %q", final)
	}
	if len(added) != 2 {
		t.Fatalf("expected nudge pair appended, got %d messages", len(added))
	}
	if added[1].Role != "user" || !strings.Contains(added[1].Content, "previous response was empty") {
		t.Errorf("nudge message malformed: %+v", added[1])
	}
}

func TestRunToolLoopEmptyTwiceGivesUp(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: ""},
		{Content: ""},
	}}
	registry := tools.NewToolRegistry()

	final, _, err := RunToolLoop(context.Background(), provider, registry, baseMessages(), ToolLoopOptions{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if final != "" {
		t.Errorf("second empty response should be returned as-is, got %q", final)
	}
	if provider.callCount() != 2 {
		t.Errorf("exactly one retry expected, provider called %d times", provider.callCount())
	}
}

func TestRunToolLoopCancelledBeforeFirstIteration(t *testing.T) {
	provider := &scriptedProvider{}
	registry := tools.NewToolRegistry()

	flag := &CancelFlag{}
	flag.Cancel()

	final, _, err := RunToolLoop(context.Background(), provider, registry, baseMessages(), ToolLoopOptions{Model: "m", Cancel: flag})
	if err != nil {
		t.Fatal(err)
	}
	if final != CancelledResponse {
		t.Errorf("final = %q", final)
	}
	if provider.callCount() != 0 {
		t.Error("provider should not be called after cancellation")
	}
}

func TestRunToolLoopCancelledBetweenTools(t *testing.T) {
	flag := &CancelFlag{}
	tool := &recordingTool{name: "echo", result: "ok", onExec: func() { flag.Cancel() }}
	registry := tools.NewToolRegistry()
	registry.Register(tool)

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		toolCallResponse(
			makeToolCall("call_1", "echo", nil),
			makeToolCall("call_2", "echo", nil),
		),
	}}

	final, _, err := RunToolLoop(context.Background(), provider, registry, baseMessages(), ToolLoopOptions{Model: "m", Cancel: flag})
	if err != nil {
		t.Fatal(err)
	}
	if final != CancelledResponse {
		t.Errorf("final = %q", final)
	}
	if tool.callCount() != 1 {
		t.Errorf("second tool should not run after cancellation, ran %d times", tool.callCount())
	}
}

func TestRunToolLoopIterationCap(t *testing.T) {
	tool := &recordingTool{name: "echo", result: "ok"}
	registry := tools.NewToolRegistry()
	registry.Register(tool)

	var responses []*providers.LLMResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResponse(
			makeToolCall(fmt.Sprintf("call_%d", i), "echo", nil),
		))
	}
	provider := &scriptedProvider{responses: responses}

	final, _, err := RunToolLoop(context.Background(), provider, registry, baseMessages(), ToolLoopOptions{Model: "m", MaxIterations: 3})
	if err != nil {
		t.Fatal(err)
	}
	if final != "" {
		t.Errorf("exhausted loop should return empty content, got %q", final)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", provider.callCount())
	}
}

func TestSummarizeToolActions(t *testing.T) {
	messages := []providers.Message{
		{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				makeToolCall("call_1", "exec", map[string]interface{}{"command": "ls /tmp"}),
			},
		},
		{Role: "tool", ToolCallID: "call_1", Content: "file1\nfile2"},
	}

	summary := SummarizeToolActions(messages)
	if !strings.HasPrefix(summary, "<tool_context>") || !strings.HasSuffix(summary, "</tool_context>") {
		t.Fatalf("summary not wrapped: %q", summary)
	}
	if !strings.Contains(summary, "exec(command=ls /tmp)") {
		t.Errorf("action line missing: %q", summary)
	}
	if !strings.Contains(summary, "-> file1") {
		t.Errorf("result missing: %q", summary)
	}
}

func TestSummarizeToolActionsEmpty(t *testing.T) {
	messages := []providers.Message{
		{Role: "assistant", Content: "just text"},
	}
	if got := SummarizeToolActions(messages); got != "" {
		t.Errorf("expected empty summary, got %q", got)
	}
}

func TestStripToolContext(t *testing.T) {
	content := "Here is what I did.\n<tool_context>\n- exec(command=ls)\n</tool_context>\nAll done."
	got := StripToolContext(content)
	if strings.Contains(got, "tool_context") {
		t.Errorf("digest not removed: %q", got)
	}
	if !strings.Contains(got, "Here is what I did.") || !strings.Contains(got, "All done.") {
		t.Errorf("surrounding text lost: %q", got)
	}

	plain := "No digest here."
	if StripToolContext(plain) != plain {
		t.Error("plain content should pass through unchanged")
	}
}
