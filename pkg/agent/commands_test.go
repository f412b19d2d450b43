package agent

import (
	"strings"
	"testing"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

func testLoop(t *testing.T, provider providers.LLMProvider) (*AgentLoop, *bus.MessageBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	msgBus := bus.NewMessageBus()
	if provider == nil {
		provider = &scriptedProvider{}
	}
	return NewAgentLoop(cfg, msgBus, provider, nil, nil), msgBus
}

func TestIsCommandAndIsInterrupt(t *testing.T) {
	reg := BuildCommandRegistry(nil)

	cases := []struct {
		text      string
		command   bool
		interrupt bool
	}{
		{"/help", true, false},
		{"  /clear  ", true, false},
		{"/stop", true, true},
		{"/nonexistent", false, false},
		{"hello there", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		if got := reg.IsCommand(tc.text); got != tc.command {
			t.Errorf("IsCommand(%q) = %v, want %v", tc.text, got, tc.command)
		}
		if got := reg.IsInterrupt(tc.text); got != tc.interrupt {
			t.Errorf("IsInterrupt(%q) = %v, want %v", tc.text, got, tc.interrupt)
		}
	}
}

func TestDisallowedCommandReported(t *testing.T) {
	reg := BuildCommandRegistry([]string{"help"})
	result := reg.Dispatch("/clear", &CommandContext{})
	if result == nil {
		t.Fatal("disallowed command should still produce a reply")
	}
	if result.Message != "Command `/clear` is not enabled for this bot." {
		t.Errorf("message = %q", result.Message)
	}
}

func TestStopBypassesAllowlist(t *testing.T) {
	reg := BuildCommandRegistry([]string{"help"})
	if !reg.IsInterrupt("/stop") {
		t.Error("stop must stay available with a restrictive allow-list")
	}
	loop, _ := testLoop(t, nil)
	result := reg.Dispatch("/stop", &CommandContext{SessionKey: "cli:1", Loop: loop})
	if result == nil || result.Message != "Nothing running to cancel." {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestStopCancelsRunningTurn(t *testing.T) {
	loop, _ := testLoop(t, nil)
	flag := &CancelFlag{}
	loop.cancelFlags.Store("telegram:7", flag)

	result := loop.commands.Dispatch("/stop", &CommandContext{SessionKey: "telegram:7", Loop: loop})
	if result.Message != "Cancelling current operation..." {
		t.Errorf("message = %q", result.Message)
	}
	if !flag.Cancelled() {
		t.Error("cancel flag should be set")
	}
}

func TestUndoPopsLastExchange(t *testing.T) {
	loop, _ := testLoop(t, nil)
	key := "cli:undo"
	loop.sessions.AddMessage(key, "user", "first")
	loop.sessions.AddMessage(key, "assistant", "reply one")
	loop.sessions.AddMessage(key, "user", "second")
	loop.sessions.AddFullMessage(key, providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{makeToolCall("c1", "exec", nil)}})
	loop.sessions.AddFullMessage(key, providers.Message{Role: "tool", ToolCallID: "c1", Content: "out"})
	loop.sessions.AddMessage(key, "assistant", "reply two")

	result := loop.commands.Dispatch("/undo", &CommandContext{SessionKey: key, Loop: loop})
	if !strings.Contains(result.Message, "4 messages removed") {
		t.Errorf("message = %q", result.Message)
	}

	history := loop.sessions.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Content != "reply one" {
		t.Errorf("wrong messages survived: %+v", history)
	}
}

func TestUndoEmptySession(t *testing.T) {
	loop, _ := testLoop(t, nil)
	result := loop.commands.Dispatch("/undo", &CommandContext{SessionKey: "cli:empty", Loop: loop})
	if result.Message != "Session is empty, nothing to undo." {
		t.Errorf("message = %q", result.Message)
	}
}

func TestRetryRequeuesLastUserMessage(t *testing.T) {
	loop, msgBus := testLoop(t, nil)
	key := "telegram:42"
	loop.sessions.AddMessage(key, "user", "what is the weather")
	loop.sessions.AddMessage(key, "assistant", "no idea")

	out := loop.dispatchCommand(bus.InboundMessage{
		Channel:    "telegram",
		SenderID:   "alice",
		ChatID:     "42",
		Content:    "/retry",
		SessionKey: key,
	})
	if out == nil || out.Content != "Retrying last message..." {
		t.Fatalf("unexpected reply: %+v", out)
	}

	if len(loop.sessions.GetHistory(key)) != 0 {
		t.Error("exchange should be popped before requeue")
	}
	if msgBus.InboundCount() != 1 {
		t.Fatalf("expected one requeued message, got %d", msgBus.InboundCount())
	}
}

func TestClearWipesSession(t *testing.T) {
	loop, _ := testLoop(t, nil)
	key := "cli:clear"
	loop.sessions.AddMessage(key, "user", "a")
	loop.sessions.AddMessage(key, "assistant", "b")

	result := loop.commands.Dispatch("/clear", &CommandContext{SessionKey: key, Loop: loop})
	if !strings.Contains(result.Message, "2 messages removed") {
		t.Errorf("message = %q", result.Message)
	}
	if len(loop.sessions.GetHistory(key)) != 0 {
		t.Error("history should be empty after /clear")
	}
}

func TestHelpListsAllowedCommands(t *testing.T) {
	loop, _ := testLoop(t, nil)
	result := loop.commands.Dispatch("/help", &CommandContext{Loop: loop})
	for _, name := range []string{"/model", "/stop", "/undo", "/help"} {
		if !strings.Contains(result.Message, name) {
			t.Errorf("help text missing %s: %q", name, result.Message)
		}
	}
}

func TestModelSwitch(t *testing.T) {
	loop, _ := testLoop(t, nil)
	out := loop.dispatchCommand(bus.InboundMessage{
		Channel:    "cli",
		ChatID:     "direct",
		Content:    "/model vllm/test-model",
		SessionKey: "cli:direct",
	})
	if out == nil || !strings.Contains(out.Content, "Switched to `vllm/test-model`") {
		t.Fatalf("unexpected reply: %+v", out)
	}
	if loop.Model() != "vllm/test-model" {
		t.Errorf("model = %q", loop.Model())
	}
}

func TestDebugLevelRoundTrip(t *testing.T) {
	loop, _ := testLoop(t, nil)
	key := "cli:debug"

	result := loop.commands.Dispatch("/debug", &CommandContext{SessionKey: key, Loop: loop})
	if !strings.Contains(result.Message, "`moderate`") {
		t.Errorf("default level should be moderate: %q", result.Message)
	}

	loop.commands.Dispatch("/debug none", &CommandContext{SessionKey: key, Loop: loop})
	if loop.debugLevel(key) != "none" {
		t.Errorf("level = %q", loop.debugLevel(key))
	}

	result = loop.commands.Dispatch("/debug loud", &CommandContext{SessionKey: key, Loop: loop})
	if !strings.Contains(result.Message, "Usage:") {
		t.Errorf("invalid level should show usage: %q", result.Message)
	}
}
