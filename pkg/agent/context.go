package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
)

// bootstrapFiles are loaded from the workspace root into the system
// prompt when present, letting users customize the agent's behavior
// without touching code.
var bootstrapFiles = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
	"IDENTITY.md",
}

// ContextBuilder assembles the system prompt and the full message list
// sent to the provider for each turn.
type ContextBuilder struct {
	workspace string
	tools     *tools.ToolRegistry
}

func NewContextBuilder(workspace string) *ContextBuilder {
	return &ContextBuilder{workspace: workspace}
}

// SetToolsRegistry wires the registry used for the tools section of the
// system prompt.
func (cb *ContextBuilder) SetToolsRegistry(registry *tools.ToolRegistry) {
	cb.tools = registry
}

func (cb *ContextBuilder) identity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# NanoClaw

You are NanoClaw, a personal AI assistant reachable over chat.

## Environment
- **Runtime**: %s
- **Current Time**: %s
- **Workspace**: %s

## What You Can Do
- **Files**: Read, write, edit files in your workspace
- **Shell**: Execute commands
- **Web**: Search the web and fetch URL content
- **Messaging**: Send messages to the user mid-task
- **Scheduling**: Create cron jobs for reminders and recurring tasks
- **Background tasks**: Spawn subagents for long-running work
- **Recall**: Search archived conversation history

%s

## Important Rules

1. **ALWAYS use tools for actions** - do not describe what you would do, call the tool.
2. **Be concise** - briefly explain what you're doing, then do it.
3. **Respect the workspace** - keep files organized under %s.`,
		rt, now, workspacePath, cb.toolsSection(), workspacePath)
}

func (cb *ContextBuilder) toolsSection() string {
	if cb.tools == nil {
		return ""
	}
	defs := cb.tools.GetDefinitions()
	if len(defs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	for _, d := range defs {
		desc := d.Description
		if idx := strings.IndexByte(desc, '\n'); idx >= 0 {
			desc = desc[:idx]
		}
		sb.WriteString(fmt.Sprintf("- `%s`: %s\n", d.Name, desc))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildSystemPrompt joins the identity section with any bootstrap files
// found in the workspace.
func (cb *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{cb.identity()}

	if bootstrap := cb.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (cb *ContextBuilder) loadBootstrapFiles() string {
	var sb strings.Builder
	for _, filename := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(cb.workspace, filename))
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("## %s\n\n%s\n\n", filename, string(data)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildMessages produces the provider message list: system prompt,
// session history, then the current user message with any attached
// media paths. History that begins with orphaned tool results is
// trimmed so providers never see a tool message without its call.
func (cb *ContextBuilder) BuildMessages(history []providers.Message, currentMessage string, media []string, channel, chatID string) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt()
	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	for len(history) > 0 && history[0].Role == "tool" {
		logger.DebugC("agent", "Dropping orphaned tool message from history head")
		history = history[1:]
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)

	current := providers.Message{Role: "user", Content: currentMessage}
	if len(media) > 0 {
		current.Media = media
		logger.InfoCF("agent", "Attached media to message",
			map[string]interface{}{"count": len(media)})
	}
	return append(messages, current)
}
