package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/cron"
	"github.com/nanoclaw/nanoclaw/pkg/extensions"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
	"github.com/nanoclaw/nanoclaw/pkg/usage"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// slowTools get progress notifications at the "moderate" debug level.
var slowTools = map[string]bool{
	"exec":       true,
	"web_search": true,
	"web_fetch":  true,
	"spawn":      true,
}

const toolUseNudge = "[System: You have tools available (file I/O, shell, web search, etc.). " +
	"When the user's request requires reading files, running commands, searching " +
	"the web, or any action beyond pure conversation, you MUST call the " +
	"appropriate tool rather than responding with text only.]"

// storedToolResultLimit caps tool transcripts persisted into sessions.
const storedToolResultLimit = 500

// AgentLoop consumes inbound messages, runs the tool-calling engine
// against them, and publishes responses. Slash commands dispatch
// immediately; conversational turns take the single run slot so at most
// one is in flight per instance.
type AgentLoop struct {
	bus            *bus.MessageBus
	provider       providers.LLMProvider
	model          string
	workspace      string
	restrict       bool
	maxIterations  int
	maxTokens      int
	temperature    float64
	config         *config.Config
	sessions       *session.Manager
	contextBuilder *ContextBuilder
	tools          *tools.ToolRegistry
	subagents      *SubagentManager
	commands       *CommandRegistry
	extensions     *extensions.Manager
	usageStore     *usage.Store

	runSlot     chan struct{}
	cancelFlags sync.Map // session key -> *CancelFlag
	debugMu     sync.Mutex
	debugLevels map[string]string
	providerMu  sync.RWMutex
	running     atomic.Bool
	wg          sync.WaitGroup
}

// createToolRegistry builds the default tool set. It is called twice,
// once for the main agent and once for subagents (which do not get the
// spawn tool).
func createToolRegistry(workspace string, restrict bool, cfg *config.Config, msgBus *bus.MessageBus) *tools.ToolRegistry {
	registry := tools.NewToolRegistry()

	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewEditFileTool(workspace, restrict))
	registry.Register(tools.NewAppendFileTool(workspace, restrict))
	registry.Register(tools.NewListDirTool(workspace, restrict))

	registry.Register(tools.NewExecTool(workspace, restrict))

	registry.Register(tools.NewWebSearchTool(cfg.Tools.Web.Brave.APIKey, cfg.Tools.Web.Brave.MaxResults))
	registry.Register(tools.NewWebFetchTool())

	messageTool := tools.NewMessageTool()
	messageTool.SetSendCallback(func(channel, chatID, content string) error {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
		})
		return nil
	})
	registry.Register(messageTool)

	registry.Register(tools.NewHistorySearchTool(cfg.ArchiveDir()))

	return registry
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider, extManager *extensions.Manager, cronService *cron.Service) *AgentLoop {
	workspace := cfg.WorkspacePath()
	os.MkdirAll(workspace, 0o755)

	restrict := cfg.Agents.Defaults.RestrictToWorkspace
	model := cfg.Agents.Defaults.Model
	if model == "" {
		model = provider.GetDefaultModel()
	}

	registry := createToolRegistry(workspace, restrict, cfg, msgBus)

	subagents := NewSubagentManager(provider, model, workspace, msgBus)
	subagents.SetTools(createToolRegistry(workspace, restrict, cfg, msgBus))
	registry.Register(NewSpawnTool(subagents))

	if cronService != nil {
		registry.Register(cron.NewTool(cronService))
	}

	contextBuilder := NewContextBuilder(workspace)
	contextBuilder.SetToolsRegistry(registry)

	if extManager == nil {
		extManager = extensions.NewManager()
	}

	return &AgentLoop{
		bus:            msgBus,
		provider:       provider,
		model:          model,
		workspace:      workspace,
		restrict:       restrict,
		maxIterations:  cfg.Agents.Defaults.MaxToolIterations,
		maxTokens:      cfg.Agents.Defaults.MaxTokens,
		temperature:    cfg.Agents.Defaults.Temperature,
		config:         cfg,
		sessions:       session.NewManager(filepath.Join(workspace, "sessions")),
		contextBuilder: contextBuilder,
		tools:          registry,
		subagents:      subagents,
		commands:       BuildCommandRegistry(cfg.Commands.Allowed),
		extensions:     extManager,
		usageStore:     usage.NewStore(workspace),
		runSlot:        make(chan struct{}, 1),
		debugLevels:    make(map[string]string),
	}
}

// RegisterTool adds a tool to the main agent's registry.
func (al *AgentLoop) RegisterTool(tool tools.Tool) {
	al.tools.Register(tool)
}

// Run consumes the bus until ctx is cancelled or Stop is called.
// Commands never wait behind a running turn.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	logger.InfoC("agent", "Agent loop started")

	for al.running.Load() {
		if ctx.Err() != nil {
			break
		}

		msg, err := al.bus.ConsumeInbound(ctx, time.Second)
		if err != nil {
			continue
		}

		if al.commands.IsInterrupt(msg.Content) || al.commands.IsCommand(msg.Content) {
			if out := al.dispatchCommand(msg); out != nil {
				al.bus.PublishOutbound(*out)
			}
			continue
		}

		al.wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer al.wg.Done()

			select {
			case al.runSlot <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-al.runSlot }()

			flag := &CancelFlag{}
			al.cancelFlags.Store(msg.SessionKey, flag)
			defer al.cancelFlags.Delete(msg.SessionKey)

			al.processAndRespond(ctx, msg, flag)
		}(msg)
	}

	al.wg.Wait()
	logger.InfoC("agent", "Agent loop stopped")
	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) dispatchCommand(msg bus.InboundMessage) *bus.OutboundMessage {
	cctx := &CommandContext{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: msg.SessionKey,
		Loop:       al,
	}
	result := al.commands.Dispatch(msg.Content, cctx)
	if result == nil {
		return nil
	}

	if result.NewProvider != nil && result.NewModel != "" {
		al.providerMu.Lock()
		al.provider = result.NewProvider
		al.model = result.NewModel
		al.providerMu.Unlock()
		al.subagents.SetModel(result.NewProvider, result.NewModel)
	}

	if result.RequeueMessage != "" {
		al.bus.PublishInbound(bus.InboundMessage{
			Channel:    msg.Channel,
			SenderID:   msg.SenderID,
			ChatID:     msg.ChatID,
			Content:    result.RequeueMessage,
			SessionKey: msg.SessionKey,
		})
	}

	if result.Message == "" {
		return nil
	}
	return &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: result.Message,
	}
}

func (al *AgentLoop) processAndRespond(ctx context.Context, msg bus.InboundMessage, flag *CancelFlag) {
	response, err := al.processMessage(ctx, msg, flag)
	if err != nil {
		logger.ErrorCF("agent", "Error processing message", map[string]interface{}{
			"session": msg.SessionKey,
			"error":   err.Error(),
		})
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: fmt.Sprintf("Sorry, I encountered an error: %v", err),
			Error:   true,
		})
		return
	}
	if response != nil {
		al.bus.PublishOutbound(*response)
	}
}

func (al *AgentLoop) currentProvider() (providers.LLMProvider, string) {
	al.providerMu.RLock()
	defer al.providerMu.RUnlock()
	return al.provider, al.model
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage, flag *CancelFlag) (*bus.OutboundMessage, error) {
	if msg.Channel == "system" {
		return al.processSystemMessage(ctx, msg)
	}

	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s",
		msg.Channel, msg.SenderID, utils.Truncate(msg.Content, 80)),
		map[string]interface{}{
			"session_key":    msg.SessionKey,
			"correlation_id": msg.CorrelationID,
		})

	ectx := extensions.Context{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: msg.SessionKey,
		Workspace:  al.workspace,
	}

	if reply := al.extensions.PreProcess(ctx, msg, ectx); reply != "" {
		return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}, nil
	}

	final, loopMessages, err := al.runTurn(ctx, turnInput{
		SessionKey: msg.SessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Content:    msg.Content,
		Media:      msg.Media,
		Cancel:     flag,
	}, ectx)
	if err != nil {
		return nil, err
	}
	if final == "" {
		final = "I processed your request but wasn't able to generate a text response. Could you try rephrasing or asking again?"
	}

	final = al.extensions.TransformResponse(final, ectx)

	al.persistTurn(msg.SessionKey, msg.Content, loopMessages, final, ectx)

	return &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: final,
	}, nil
}

// processSystemMessage handles subagent announces. ChatID carries
// "origin_channel:origin_chat_id" so the reply routes back to the
// conversation that spawned the task.
func (al *AgentLoop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	logger.InfoCF("agent", "Processing system message",
		map[string]interface{}{"sender": msg.SenderID})

	originChannel, originChatID := "cli", msg.ChatID
	if idx := strings.Index(msg.ChatID, ":"); idx >= 0 {
		originChannel = msg.ChatID[:idx]
		originChatID = msg.ChatID[idx+1:]
	}
	sessionKey := originChannel + ":" + originChatID

	ectx := extensions.Context{
		Channel:    originChannel,
		ChatID:     originChatID,
		SessionKey: sessionKey,
		Workspace:  al.workspace,
	}

	content := fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content)
	final, loopMessages, err := al.runTurn(ctx, turnInput{
		SessionKey: sessionKey,
		Channel:    originChannel,
		ChatID:     originChatID,
		Content:    content,
	}, ectx)
	if err != nil {
		return nil, err
	}
	if final == "" {
		final = "Background task completed."
	}

	final = al.extensions.TransformResponse(final, ectx)
	al.persistTurn(sessionKey, content, loopMessages, final, ectx)

	return &bus.OutboundMessage{
		Channel: originChannel,
		ChatID:  originChatID,
		Content: final,
	}, nil
}

type turnInput struct {
	SessionKey string
	Channel    string
	ChatID     string
	Content    string
	Media      []string
	Cancel     *CancelFlag
}

// runTurn builds the prompt through the extension pipeline and drives
// the tool loop. Returns the final content and the messages the loop
// appended.
// recordUsage books token usage for each provider call in a turn.
func (al *AgentLoop) recordUsage(sessionKey, model string) func(providers.Usage) {
	return func(u providers.Usage) {
		al.usageStore.Add(usage.Record{
			SessionKey:       sessionKey,
			Provider:         providers.InferProviderFromModel(model),
			Model:            model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
			Known:            u.TotalTokens > 0,
		})
	}
}

func (al *AgentLoop) runTurn(ctx context.Context, in turnInput, ectx extensions.Context) (string, []providers.Message, error) {
	sess := al.sessions.GetOrCreate(in.SessionKey)
	al.tools.SetContext(in.Channel, in.ChatID)

	history := al.sessions.GetHistory(in.SessionKey)
	history, removed := session.SanitizeHistory(history)
	if removed > 0 {
		logger.WarnCF("agent", "Dropped orphaned tool messages from history",
			map[string]interface{}{"session": in.SessionKey, "removed": removed})
	}
	history = al.extensions.TransformHistory(history, sess, ectx)

	messages := al.contextBuilder.BuildMessages(history, in.Content, in.Media, in.Channel, in.ChatID)
	messages = al.extensions.TransformMessages(messages, ectx)

	maybeNudgeToolUse(&messages)

	provider, model := al.currentProvider()
	final, loopMessages, err := RunToolLoop(ctx, provider, al.tools, messages, ToolLoopOptions{
		Model:         model,
		MaxTokens:     al.maxTokens,
		Temperature:   al.temperature,
		MaxIterations: al.maxIterations,
		OnToolCall:    al.progressCallback(in.Channel, in.ChatID, in.SessionKey),
		OnUsage:       al.recordUsage(in.SessionKey, model),
		Cancel:        in.Cancel,
	})
	if err != nil {
		return "", nil, err
	}
	return StripToolContext(final), loopMessages, nil
}

// persistTurn saves the user message, the loop transcript with tool
// results truncated, and the final assistant message, then runs the
// pre-save hooks and writes to disk.
func (al *AgentLoop) persistTurn(sessionKey, userContent string, loopMessages []providers.Message, final string, ectx extensions.Context) {
	al.sessions.AddMessage(sessionKey, "user", userContent)
	for _, m := range loopMessages {
		stored := m
		if stored.ToolCallID != "" && len(stored.Content) > storedToolResultLimit {
			stored.Content = stored.Content[:storedToolResultLimit] + "\n...(truncated)"
		}
		// The final assistant text is appended separately below.
		if stored.Role == "assistant" && len(stored.ToolCalls) == 0 && stored.Content == final {
			continue
		}
		al.sessions.AddFullMessage(sessionKey, stored)
	}
	al.sessions.AddMessage(sessionKey, "assistant", final)

	sess := al.sessions.GetOrCreate(sessionKey)
	al.extensions.PreSessionSave(sess, ectx)
	if err := al.sessions.Save(sessionKey); err != nil {
		logger.ErrorCF("agent", "Failed to save session",
			map[string]interface{}{"session": sessionKey, "error": err.Error()})
	}
}

// maybeNudgeToolUse inserts a tool reminder before the final user
// message when the conversation shows no tool usage at all. Sessions
// that already contain real tool calls never get the nudge.
func maybeNudgeToolUse(messages *[]providers.Message) {
	msgs := *messages
	if len(msgs) < 4 {
		return
	}
	for _, m := range msgs {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			return
		}
		if m.Role == "system" && m.Content == toolUseNudge {
			return
		}
	}

	nudge := providers.Message{Role: "system", Content: toolUseNudge}
	out := make([]providers.Message, 0, len(msgs)+1)
	out = append(out, msgs[:len(msgs)-1]...)
	out = append(out, nudge, msgs[len(msgs)-1])
	*messages = out
}

func (al *AgentLoop) debugLevel(sessionKey string) string {
	al.debugMu.Lock()
	defer al.debugMu.Unlock()
	if level, ok := al.debugLevels[sessionKey]; ok {
		return level
	}
	return "moderate"
}

func (al *AgentLoop) setDebugLevel(sessionKey, level string) {
	al.debugMu.Lock()
	defer al.debugMu.Unlock()
	al.debugLevels[sessionKey] = level
}

// progressCallback builds the per-turn tool notification function.
// "none" silences everything, "moderate" reports slow tools and
// heartbeats, "all" reports every call with its arguments.
func (al *AgentLoop) progressCallback(channel, chatID, sessionKey string) ToolCallFunc {
	return func(name string, args map[string]interface{}) {
		level := al.debugLevel(sessionKey)
		if level == "none" {
			return
		}

		if hb, _ := args["_heartbeat"].(bool); hb {
			elapsed, _ := args["elapsed"].(int)
			label := fmt.Sprintf("%ds", elapsed)
			if mins := elapsed / 60; mins > 0 {
				label = fmt.Sprintf("%dm%ds", mins, elapsed%60)
			}
			al.bus.PublishOutbound(bus.OutboundMessage{
				Channel:          channel,
				ChatID:           chatID,
				Content:          fmt.Sprintf("Still running... (%s)", label),
				IsProgressUpdate: true,
			})
			return
		}

		if level == "all" {
			parts := make([]string, 0, len(args))
			for k, v := range args {
				parts = append(parts, fmt.Sprintf("%s=%s", k, utils.Truncate(fmt.Sprintf("%v", v), 80)))
			}
			al.bus.PublishOutbound(bus.OutboundMessage{
				Channel:          channel,
				ChatID:           chatID,
				Content:          fmt.Sprintf("`%s(%s)`", name, strings.Join(parts, ", ")),
				IsProgressUpdate: true,
			})
			return
		}

		if !slowTools[name] {
			return
		}
		var detail string
		switch name {
		case "exec":
			detail, _ = args["command"].(string)
		case "web_search":
			detail, _ = args["query"].(string)
		case "web_fetch":
			detail, _ = args["url"].(string)
		default:
			detail, _ = args["task"].(string)
		}
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel:          channel,
			ChatID:           chatID,
			Content:          fmt.Sprintf("`%s`: %s", name, utils.Truncate(detail, 120)),
			IsProgressUpdate: true,
		})
	}
}

// ProcessDirect runs one message synchronously, bypassing the bus.
// Used by the CLI REPL and the cron service.
func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	return al.ProcessDirectWithChannel(ctx, content, sessionKey, "cli", "direct")
}

func (al *AgentLoop) ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	msg := bus.InboundMessage{
		Channel:    channel,
		SenderID:   "user",
		ChatID:     chatID,
		Content:    content,
		SessionKey: sessionKey,
	}

	if al.commands.IsCommand(content) {
		if out := al.dispatchCommand(msg); out != nil {
			return out.Content, nil
		}
		return "", nil
	}

	flag := &CancelFlag{}
	al.cancelFlags.Store(sessionKey, flag)
	defer al.cancelFlags.Delete(sessionKey)

	response, err := al.processMessage(ctx, msg, flag)
	if err != nil {
		return "", err
	}
	if response == nil {
		return "", nil
	}
	return response.Content, nil
}

// Sessions exposes the session manager for the CLI status command.
func (al *AgentLoop) Sessions() *session.Manager {
	return al.sessions
}

// Model reports the active model identifier.
func (al *AgentLoop) Model() string {
	_, model := al.currentProvider()
	return model
}
