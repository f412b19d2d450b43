package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// SubagentManager runs background tasks with their own tool loop.
// Completion is announced back to the main agent as an inbound message
// on the synthetic "system" channel, carrying the origin in ChatID so
// the response routes to the right conversation.
type SubagentManager struct {
	provider  providers.LLMProvider
	model     string
	workspace string
	bus       *bus.MessageBus
	tools     *tools.ToolRegistry

	mu      sync.Mutex
	running map[string]string // task ID -> label
	wg      sync.WaitGroup
}

func NewSubagentManager(provider providers.LLMProvider, model, workspace string, msgBus *bus.MessageBus) *SubagentManager {
	return &SubagentManager{
		provider:  provider,
		model:     model,
		workspace: workspace,
		bus:       msgBus,
		running:   make(map[string]string),
	}
}

// SetTools wires the registry subagents execute against. It should not
// contain the spawn tool, subagents do not recurse.
func (sm *SubagentManager) SetTools(registry *tools.ToolRegistry) {
	sm.tools = registry
}

// SetModel switches the model used for newly spawned tasks.
func (sm *SubagentManager) SetModel(provider providers.LLMProvider, model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.provider = provider
	sm.model = model
}

// Spawn starts a background task and returns its ID immediately.
func (sm *SubagentManager) Spawn(ctx context.Context, task, label, originChannel, originChatID string) string {
	taskID := uuid.New().String()[:8]
	if label == "" {
		label = utils.Truncate(task, 40)
	}

	sm.mu.Lock()
	provider, model := sm.provider, sm.model
	sm.running[taskID] = label
	sm.mu.Unlock()

	logger.InfoCF("subagent", "Spawning task", map[string]interface{}{
		"task_id": taskID,
		"label":   label,
		"origin":  originChannel + ":" + originChatID,
	})

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer func() {
			sm.mu.Lock()
			delete(sm.running, taskID)
			sm.mu.Unlock()
		}()
		sm.runTask(ctx, provider, model, taskID, task, label, originChannel, originChatID)
	}()

	return taskID
}

// Running returns the labels of in-flight tasks keyed by task ID.
func (sm *SubagentManager) Running() map[string]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]string, len(sm.running))
	for id, label := range sm.running {
		out[id] = label
	}
	return out
}

// Wait blocks until all spawned tasks finish. Used in tests and on
// shutdown.
func (sm *SubagentManager) Wait() {
	sm.wg.Wait()
}

func (sm *SubagentManager) runTask(ctx context.Context, provider providers.LLMProvider, model, taskID, task, label, originChannel, originChatID string) {
	if sm.tools != nil {
		sm.tools.SetContext(originChannel, originChatID)
	}

	messages := []providers.Message{
		{Role: "system", Content: sm.systemPrompt()},
		{Role: "user", Content: task},
	}

	result, loopMessages, err := RunToolLoop(ctx, provider, sm.tools, messages, ToolLoopOptions{
		Model:     model,
		LogPrefix: fmt.Sprintf("Subagent [%s]", taskID),
	})

	status := "completed"
	switch {
	case err != nil:
		status = "failed"
		result = err.Error()
		logger.ErrorCF("subagent", "Task failed", map[string]interface{}{
			"task_id": taskID, "error": err.Error(),
		})
	case result == "":
		result = "(no output)"
	}

	announce := fmt.Sprintf("Background task %q (%s) %s.\nResult:\n%s",
		label, taskID, status, result)
	// Carry the task's tool activity into the main agent's turn so it
	// knows what the subagent actually did, not just the final reply.
	if digest := SummarizeToolActions(loopMessages); digest != "" {
		announce += "\n\n" + digest
	}
	sm.bus.PublishInbound(bus.InboundMessage{
		Channel:    "system",
		SenderID:   "subagent:" + taskID,
		ChatID:     originChannel + ":" + originChatID,
		Content:    announce,
		SessionKey: "system:" + taskID,
	})
}

func (sm *SubagentManager) systemPrompt() string {
	return fmt.Sprintf(`You are a background task runner for NanoClaw.

Complete the given task using the available tools, then reply with a
concise summary of what you did and the outcome. Your reply is relayed
to the main agent, not shown directly to the user.

Workspace: %s`, sm.workspace)
}

// SpawnTool lets the main agent start background subagent tasks.
type SpawnTool struct {
	manager *SubagentManager

	mu      sync.Mutex
	channel string
	chatID  string
}

func NewSpawnTool(manager *SubagentManager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on a task asynchronously. Returns a task ID immediately; the result is announced when the task finishes."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Full task description for the subagent",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return tools.ErrorResult("Error: task is required")
	}
	label, _ := args["label"].(string)

	t.mu.Lock()
	channel, chatID := t.channel, t.chatID
	t.mu.Unlock()

	taskID := t.manager.Spawn(context.WithoutCancel(ctx), task, label, channel, chatID)
	return tools.NewToolResult(fmt.Sprintf("Spawned background task %s. The result will be announced when it completes.", taskID))
}
