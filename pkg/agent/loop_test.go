package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
	"github.com/nanoclaw/nanoclaw/pkg/usage"
)

func inboundSystem(senderID, chatID, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "system",
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		SessionKey: "system:" + senderID,
	}
}

func TestMaybeNudgeToolUse(t *testing.T) {
	t.Run("short conversation untouched", func(t *testing.T) {
		messages := []providers.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "hi"},
		}
		maybeNudgeToolUse(&messages)
		if len(messages) != 2 {
			t.Errorf("got %d messages", len(messages))
		}
	})

	t.Run("nudge inserted before final user message", func(t *testing.T) {
		messages := []providers.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "one"},
			{Role: "assistant", Content: "text only"},
			{Role: "user", Content: "two"},
		}
		maybeNudgeToolUse(&messages)
		if len(messages) != 5 {
			t.Fatalf("got %d messages", len(messages))
		}
		if messages[3].Role != "system" || !strings.Contains(messages[3].Content, "MUST call") {
			t.Errorf("nudge not at expected position: %+v", messages[3])
		}
		if messages[4].Content != "two" {
			t.Error("final user message must stay last")
		}
	})

	t.Run("history with tool calls suppresses nudge", func(t *testing.T) {
		messages := []providers.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "one"},
			{Role: "assistant", ToolCalls: []providers.ToolCall{makeToolCall("c1", "exec", nil)}},
			{Role: "user", Content: "two"},
		}
		maybeNudgeToolUse(&messages)
		if len(messages) != 4 {
			t.Errorf("nudge should not fire, got %d messages", len(messages))
		}
	})

	t.Run("existing nudge not duplicated", func(t *testing.T) {
		messages := []providers.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "one"},
			{Role: "system", Content: toolUseNudge},
			{Role: "user", Content: "two"},
		}
		maybeNudgeToolUse(&messages)
		if len(messages) != 4 {
			t.Errorf("nudge duplicated, got %d messages", len(messages))
		}
	})
}

func TestProcessDirectRunsFullTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "the answer is 4"},
	}}
	loop, _ := testLoop(t, provider)

	response, err := loop.ProcessDirect(context.Background(), "what is 2+2", "cli:math")
	if err != nil {
		t.Fatal(err)
	}
	if response != "the answer is 4" {
		t.Errorf("response = %q", response)
	}

	history := loop.sessions.GetHistory("cli:math")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want user+assistant", len(history))
	}
	if history[0].Content != "what is 2+2" || history[1].Content != "the answer is 4" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestProcessDirectRecordsTokenUsage(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "done", Usage: providers.Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}},
	}}
	loop, _ := testLoop(t, provider)

	if _, err := loop.ProcessDirect(context.Background(), "hello", "cli:usage"); err != nil {
		t.Fatal(err)
	}

	records := loop.usageStore.Query(usage.Filter{SessionKey: "cli:usage"})
	if len(records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(records))
	}
	if !records[0].Known || records[0].TotalTokens != 150 {
		t.Errorf("unexpected record: %+v", records[0])
	}

	result := loop.commands.Dispatch("/usage", &CommandContext{Loop: loop, SessionKey: "cli:usage"})
	if !strings.Contains(result.Message, "1 calls") {
		t.Errorf("usage summary missing call count: %q", result.Message)
	}
}

func TestProcessDirectTruncatesStoredToolResults(t *testing.T) {
	longResult := strings.Repeat("x", 800)
	tool := &recordingTool{name: "bigtool", result: longResult}

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		toolCallResponse(makeToolCall("c1", "bigtool", nil)),
		{Content: "summarized"},
	}}
	loop, _ := testLoop(t, provider)
	loop.RegisterTool(tool)

	if _, err := loop.ProcessDirect(context.Background(), "run the big tool", "cli:big"); err != nil {
		t.Fatal(err)
	}

	var stored providers.Message
	for _, m := range loop.sessions.GetHistory("cli:big") {
		if m.Role == "tool" {
			stored = m
			break
		}
	}
	if stored.Role == "" {
		t.Fatal("tool message not persisted")
	}
	if !strings.HasSuffix(stored.Content, "...(truncated)") {
		t.Errorf("tool result not truncated: %d chars", len(stored.Content))
	}
	if len(stored.Content) > storedToolResultLimit+20 {
		t.Errorf("stored result too long: %d chars", len(stored.Content))
	}
}

func TestProcessDirectDefaultResponseWhenLoopExhausted(t *testing.T) {
	tool := &recordingTool{name: "echo", result: "ok"}
	var responses []*providers.LLMResponse
	for i := 0; i < 25; i++ {
		responses = append(responses, toolCallResponse(makeToolCall("c", "echo", nil)))
	}
	provider := &scriptedProvider{responses: responses}
	loop, _ := testLoop(t, provider)
	loop.RegisterTool(tool)

	response, err := loop.ProcessDirect(context.Background(), "loop forever", "cli:cap")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(response, "wasn't able to generate a text response") {
		t.Errorf("expected fallback text, got %q", response)
	}
}

func TestProcessDirectDispatchesCommands(t *testing.T) {
	loop, _ := testLoop(t, nil)
	response, err := loop.ProcessDirect(context.Background(), "/help", "cli:direct")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(response, "Available commands:") {
		t.Errorf("response = %q", response)
	}
}

func TestSystemMessageRoutesToOrigin(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "relayed to user"},
	}}
	loop, _ := testLoop(t, provider)

	out, err := loop.processMessage(context.Background(), inboundSystem("subagent:ab12", "telegram:42", "task finished"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Errorf("routed to %s:%s", out.Channel, out.ChatID)
	}

	history := loop.sessions.GetHistory("telegram:42")
	if len(history) == 0 {
		t.Fatal("origin session should record the announce")
	}
	if !strings.HasPrefix(history[0].Content, "[System: subagent:ab12] ") {
		t.Errorf("announce prefix missing: %q", history[0].Content)
	}
}

func TestSystemMessageWithoutOriginFallsBackToCLI(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "ok"},
	}}
	loop, _ := testLoop(t, provider)

	out, err := loop.processMessage(context.Background(), inboundSystem("subagent:ab12", "direct", "done"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "cli" || out.ChatID != "direct" {
		t.Errorf("routed to %s:%s, want cli:direct", out.Channel, out.ChatID)
	}
}

func TestSpawnAnnouncesOnSystemChannel(t *testing.T) {
	subProvider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "background work complete"},
	}}
	loop, msgBus := testLoop(t, nil)
	loop.subagents.SetModel(subProvider, "mock-model")

	taskID := loop.subagents.Spawn(context.Background(), "do background work", "bg", "telegram", "42")
	if taskID == "" {
		t.Fatal("task ID expected")
	}
	loop.subagents.Wait()

	if msgBus.InboundCount() != 1 {
		t.Fatalf("expected one announce, got %d", msgBus.InboundCount())
	}
	announce, err := msgBus.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if announce.Channel != "system" {
		t.Errorf("channel = %q", announce.Channel)
	}
	if announce.ChatID != "telegram:42" {
		t.Errorf("origin = %q", announce.ChatID)
	}
	if !strings.Contains(announce.Content, "background work complete") {
		t.Errorf("result missing from announce: %q", announce.Content)
	}
}

func TestSpawnAnnounceCarriesToolDigest(t *testing.T) {
	subProvider := &scriptedProvider{responses: []*providers.LLMResponse{
		toolCallResponse(makeToolCall("tc1", "fetch", map[string]interface{}{"url": "https://example.com"})),
		{Content: "page saved"},
	}}
	loop, msgBus := testLoop(t, nil)
	loop.subagents.SetModel(subProvider, "mock-model")

	registry := tools.NewToolRegistry()
	registry.Register(&recordingTool{name: "fetch", result: "fetched 12 KB"})
	loop.subagents.SetTools(registry)

	loop.subagents.Spawn(context.Background(), "fetch the page", "bg", "telegram", "42")
	loop.subagents.Wait()

	announce, err := msgBus.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(announce.Content, "page saved") {
		t.Errorf("result missing from announce: %q", announce.Content)
	}
	if !strings.Contains(announce.Content, "<tool_context>") {
		t.Errorf("tool digest missing from announce: %q", announce.Content)
	}
	if !strings.Contains(announce.Content, "fetch(") || !strings.Contains(announce.Content, "fetched 12 KB") {
		t.Errorf("tool call and result missing from digest: %q", announce.Content)
	}
}
