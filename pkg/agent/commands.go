package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nanoclaw/nanoclaw/pkg/extensions"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/usage"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// CommandContext is passed to every command handler.
type CommandContext struct {
	Channel    string
	ChatID     string
	SessionKey string
	RawArgs    string
	Loop       *AgentLoop
}

// CommandResult is what a handler returns. NewModel/NewProvider request
// a model switch, RequeueMessage puts a message back on the bus.
type CommandResult struct {
	Message        string
	NewModel       string
	NewProvider    providers.LLMProvider
	RequeueMessage string
}

type Handler func(ctx *CommandContext) CommandResult

// Interrupt commands fire while a turn is in flight and bypass the
// allow-list, they are safety controls.
var interruptCommands = map[string]bool{"stop": true}

// CommandRegistry dispatches slash commands with optional allow-list
// enforcement. A nil allow-list permits everything.
type CommandRegistry struct {
	handlers     map[string]Handler
	descriptions map[string]string
	allowed      []string
}

func NewCommandRegistry(allowed []string) *CommandRegistry {
	return &CommandRegistry{
		handlers:     make(map[string]Handler),
		descriptions: make(map[string]string),
		allowed:      allowed,
	}
}

func (r *CommandRegistry) Register(name string, handler Handler, description string) {
	r.handlers[name] = handler
	r.descriptions[name] = description
}

func commandName(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	return strings.TrimPrefix(strings.Fields(text)[0], "/")
}

// IsCommand reports whether text is a registered, allowed command.
func (r *CommandRegistry) IsCommand(text string) bool {
	name := commandName(text)
	if name == "" {
		return false
	}
	_, ok := r.handlers[name]
	return ok && r.isAllowed(name)
}

// IsInterrupt reports whether text is an interrupt-class command.
func (r *CommandRegistry) IsInterrupt(text string) bool {
	name := commandName(text)
	if name == "" {
		return false
	}
	_, ok := r.handlers[name]
	return ok && interruptCommands[name]
}

// Dispatch runs the command and returns its result, or nil when the
// text is not a registered command.
func (r *CommandRegistry) Dispatch(text string, ctx *CommandContext) *CommandResult {
	name := commandName(text)
	if name == "" {
		return nil
	}
	handler, ok := r.handlers[name]
	if !ok {
		return nil
	}
	if !r.isAllowed(name) {
		return &CommandResult{Message: fmt.Sprintf("Command `/%s` is not enabled for this bot.", name)}
	}

	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) > 1 {
		ctx.RawArgs = strings.TrimSpace(parts[1])
	}
	logger.InfoCF("agent", "Command dispatched",
		map[string]interface{}{"command": name, "args": ctx.RawArgs})
	result := handler(ctx)
	return &result
}

func (r *CommandRegistry) isAllowed(name string) bool {
	if r.allowed == nil {
		return true
	}
	if interruptCommands[name] {
		return true
	}
	for _, a := range r.allowed {
		if a == name {
			return true
		}
	}
	return false
}

// HelpText lists allowed commands with descriptions.
func (r *CommandRegistry) HelpText() string {
	names := make([]string, 0, len(r.descriptions))
	for name := range r.descriptions {
		if r.isAllowed(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	lines := []string{"Available commands:"}
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  `/%s` - %s", name, r.descriptions[name]))
	}
	return strings.Join(lines, "\n")
}

// BuildCommandRegistry creates the registry with the built-in handlers.
func BuildCommandRegistry(allowed []string) *CommandRegistry {
	reg := NewCommandRegistry(allowed)
	reg.Register("model", handleModel, "Show/switch LLM model")
	reg.Register("debug", handleDebug, "Set tool call visibility: all|moderate|none")
	reg.Register("stop", handleStop, "Cancel current tool loop")
	reg.Register("clear", handleClear, "Wipe session history")
	reg.Register("undo", handleUndo, "Remove last user+assistant exchange")
	reg.Register("retry", handleRetry, "Undo + re-send last user message")
	reg.Register("session", handleSession, "Show session stats")
	reg.Register("usage", handleUsage, "Show token usage for today")
	reg.Register("config", handleConfig, "Show current bot settings")
	reg.Register("ls", handleLs, "List directory contents")
	reg.Register("cat", handleCat, "Display file contents")
	reg.Register("help", handleHelp, "List available commands")
	return reg
}

func handleModel(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	if ctx.RawArgs == "" {
		return CommandResult{Message: fmt.Sprintf(
			"Current model: `%s`\n\nSwitch with `/model <model-name>`, e.g. `/model claude-sonnet-4-5` or `/model gpt-4o`.",
			loop.model)}
	}

	target := ctx.RawArgs
	providerName := providers.InferProviderFromModel(target)
	if providerName == "unknown" {
		return CommandResult{Message: fmt.Sprintf("Cannot infer a provider for `%s`.", target)}
	}

	provider, err := providers.CreateProviderByName(providerName, loop.config, target)
	if err != nil {
		logger.ErrorCF("agent", "Model switch failed",
			map[string]interface{}{"model": target, "error": err.Error()})
		return CommandResult{Message: fmt.Sprintf("Failed to switch model: %v", err)}
	}

	logger.InfoCF("agent", "Switched model",
		map[string]interface{}{"model": target, "provider": providerName})
	return CommandResult{
		Message:     fmt.Sprintf("Switched to `%s` via %s", target, providerName),
		NewModel:    target,
		NewProvider: provider,
	}
}

func handleDebug(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	level := strings.ToLower(ctx.RawArgs)
	switch level {
	case "":
		current := loop.debugLevel(ctx.SessionKey)
		return CommandResult{Message: fmt.Sprintf("Debug level: `%s`\nOptions: `all`, `moderate`, `none`", current)}
	case "all", "moderate", "none":
		loop.setDebugLevel(ctx.SessionKey, level)
		return CommandResult{Message: fmt.Sprintf("Debug level set to `%s`", level)}
	default:
		return CommandResult{Message: "Usage: `/debug all|moderate|none`"}
	}
}

func handleStop(ctx *CommandContext) CommandResult {
	if flag, ok := ctx.Loop.cancelFlags.Load(ctx.SessionKey); ok {
		cf := flag.(*CancelFlag)
		if !cf.Cancelled() {
			cf.Cancel()
			return CommandResult{Message: "Cancelling current operation..."}
		}
	}
	return CommandResult{Message: "Nothing running to cancel."}
}

func handleClear(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	count := len(loop.sessions.GetHistory(ctx.SessionKey))
	loop.sessions.Clear(ctx.SessionKey)
	loop.sessions.Save(ctx.SessionKey)
	return CommandResult{Message: fmt.Sprintf("Session cleared (%d messages removed).", count)}
}

func handleUndo(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	history := loop.sessions.GetHistory(ctx.SessionKey)
	if len(history) == 0 {
		return CommandResult{Message: "Session is empty, nothing to undo."}
	}

	trimmed, _ := popLastExchange(history)
	removed := len(history) - len(trimmed)
	loop.sessions.SetHistory(ctx.SessionKey, trimmed)
	loop.sessions.Save(ctx.SessionKey)
	return CommandResult{Message: fmt.Sprintf("Undone last exchange (%d messages removed).", removed)}
}

func handleRetry(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	history := loop.sessions.GetHistory(ctx.SessionKey)
	if len(history) == 0 {
		return CommandResult{Message: "Session is empty, nothing to retry."}
	}

	trimmed, lastUser := popLastExchange(history)
	loop.sessions.SetHistory(ctx.SessionKey, trimmed)
	loop.sessions.Save(ctx.SessionKey)

	if lastUser == "" {
		return CommandResult{Message: "Could not find a user message to retry."}
	}
	return CommandResult{Message: "Retrying last message...", RequeueMessage: lastUser}
}

// popLastExchange drops trailing assistant/tool messages plus the user
// message that started the exchange, returning its content.
func popLastExchange(history []providers.Message) ([]providers.Message, string) {
	for len(history) > 0 {
		role := history[len(history)-1].Role
		if role != "assistant" && role != "tool" {
			break
		}
		history = history[:len(history)-1]
	}
	var lastUser string
	if len(history) > 0 && history[len(history)-1].Role == "user" {
		lastUser = history[len(history)-1].Content
		history = history[:len(history)-1]
	}
	return history, lastUser
}

func handleSession(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	sess := loop.sessions.GetOrCreate(ctx.SessionKey)
	history := loop.sessions.GetHistory(ctx.SessionKey)
	tokens := extensions.EstimateMessagesTokens(history)

	archivedNote := ""
	meta := loop.sessions.GetMetadata(ctx.SessionKey)
	switch v := meta["archived_count"].(type) {
	case int:
		if v > 0 {
			archivedNote = fmt.Sprintf(" (+ %d archived)", v)
		}
	case float64:
		if v > 0 {
			archivedNote = fmt.Sprintf(" (+ %d archived)", int(v))
		}
	}

	lines := []string{
		fmt.Sprintf("Session: `%s`", ctx.SessionKey),
		fmt.Sprintf("Messages: %d%s", len(history), archivedNote),
		fmt.Sprintf("Estimated tokens: ~%d", tokens),
		fmt.Sprintf("Created: %s", sess.CreatedAt.Format("2006-01-02 15:04")),
		fmt.Sprintf("Updated: %s", sess.UpdatedAt.Format("2006-01-02 15:04")),
	}
	return CommandResult{Message: strings.Join(lines, "\n")}
}

func handleUsage(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	today := usage.TodayKey()

	records := loop.usageStore.Query(usage.Filter{DayKey: today})
	lines := []string{
		fmt.Sprintf("Usage for %s: %s", today, usage.FormatAggregate(usage.AggregateRecords(records))),
	}

	breakdown := usage.ProviderBreakdown(records)
	providerNames := make([]string, 0, len(breakdown))
	for name := range breakdown {
		providerNames = append(providerNames, name)
	}
	sort.Strings(providerNames)
	for _, name := range providerNames {
		lines = append(lines, fmt.Sprintf("  %s: %s", name, usage.FormatAggregate(breakdown[name])))
	}

	sessionRecords := loop.usageStore.Query(usage.Filter{SessionKey: ctx.SessionKey, DayKey: today})
	if len(sessionRecords) > 0 {
		lines = append(lines, fmt.Sprintf("This session: %s",
			usage.FormatAggregate(usage.AggregateRecords(sessionRecords))))
	}

	return CommandResult{Message: strings.Join(lines, "\n")}
}

func handleConfig(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	lines := []string{
		fmt.Sprintf("Model: `%s`", loop.model),
		fmt.Sprintf("Max iterations: %d", loop.maxIterations),
		fmt.Sprintf("Debug level: `%s`", loop.debugLevel(ctx.SessionKey)),
		fmt.Sprintf("Workspace: `%s`", loop.workspace),
		fmt.Sprintf("Restrict to workspace: %v", loop.restrict),
	}
	return CommandResult{Message: strings.Join(lines, "\n")}
}

func handleLs(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	target := ctx.RawArgs
	if target == "" {
		target = loop.workspace
	}
	abs, err := filepath.Abs(expandHome(target))
	if err != nil {
		return CommandResult{Message: fmt.Sprintf("Error: %v", err)}
	}

	if loop.restrict && !pathWithin(abs, loop.workspace) {
		return CommandResult{Message: fmt.Sprintf("Error: path outside workspace (`%s`)", loop.workspace)}
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return CommandResult{Message: fmt.Sprintf("Error: not a directory: `%s`", abs)}
	}

	var sb strings.Builder
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s %8d  %s\n", info.Mode(), info.Size(), e.Name()))
	}
	return CommandResult{Message: fmt.Sprintf("```\n%s```", utils.Truncate(sb.String(), 2000))}
}

func handleCat(ctx *CommandContext) CommandResult {
	loop := ctx.Loop
	if ctx.RawArgs == "" {
		return CommandResult{Message: "Usage: `/cat <path>`"}
	}

	abs, err := filepath.Abs(expandHome(ctx.RawArgs))
	if err != nil {
		return CommandResult{Message: fmt.Sprintf("Error: %v", err)}
	}
	if loop.restrict && !pathWithin(abs, loop.workspace) {
		return CommandResult{Message: fmt.Sprintf("Error: path outside workspace (`%s`)", loop.workspace)}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return CommandResult{Message: fmt.Sprintf("Error: not a file: `%s`", abs)}
	}

	content := string(data)
	if len(content) > 3000 {
		content = content[:3000] + "\n...(truncated)"
	}
	return CommandResult{Message: fmt.Sprintf("```\n%s\n```", content)}
}

func handleHelp(ctx *CommandContext) CommandResult {
	return CommandResult{Message: ctx.Loop.commands.HelpText()}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func pathWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
