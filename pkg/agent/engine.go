package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const (
	// CancelledResponse is returned when /stop interrupts a tool loop.
	CancelledResponse = "[Operation cancelled by user]"

	heartbeatInterval = 30 * time.Second

	emptyResponseNudge = "[System: Your previous response was empty. Please provide a summary of what you did or respond to the user's message.]"
)

// CancelFlag is a cooperative cancellation signal checked at loop
// checkpoints. A running tool call is never interrupted mid-flight.
type CancelFlag struct {
	set atomic.Bool
}

func (c *CancelFlag) Cancel() {
	c.set.Store(true)
}

func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.set.Load()
}

// ToolCallFunc receives tool name and arguments before each execution.
// Heartbeat invocations carry {"_heartbeat": true, "elapsed": seconds}.
type ToolCallFunc func(name string, args map[string]interface{})

// ToolLoopOptions configures a RunToolLoop invocation.
type ToolLoopOptions struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	LogPrefix     string
	OnToolCall    ToolCallFunc
	OnUsage       func(providers.Usage)
	Cancel        *CancelFlag
}

// RunToolLoop drives the LLM until it produces a final text response or
// the iteration cap is hit. Tool calls execute sequentially; the
// cancel flag is checked before each iteration and before each tool.
// Returns the final content ("" when the cap was exhausted) and the
// messages appended during the loop.
func RunToolLoop(ctx context.Context, provider providers.LLMProvider, registry *tools.ToolRegistry, messages []providers.Message, opts ToolLoopOptions) (string, []providers.Message, error) {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}
	prefix := opts.LogPrefix
	if prefix != "" {
		prefix += " "
	}

	start := len(messages)
	chatOpts := providers.ChatOptions{
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	emptyRetries := 0

	for i := 0; i < maxIterations; i++ {
		if opts.Cancel.Cancelled() {
			logger.InfoC("agent", prefix+"Tool loop cancelled by user")
			return CancelledResponse, messages[start:], nil
		}

		response, err := provider.Chat(ctx, messages, registry.GetDefinitions(), chatOpts)
		if err != nil {
			return "", messages[start:], fmt.Errorf("%schat request failed: %w", prefix, err)
		}

		if opts.OnUsage != nil {
			opts.OnUsage(response.Usage)
		}

		if !response.HasToolCalls() {
			// Some models return empty content with no tool calls. Nudge once.
			if response.Content == "" && emptyRetries < 1 {
				emptyRetries++
				logger.WarnC("agent", prefix+"Empty response with no tool calls, retrying")
				messages = append(messages,
					providers.Message{Role: "assistant", Content: ""},
					providers.Message{Role: "user", Content: emptyResponseNudge},
				)
				continue
			}
			return response.Content, messages[start:], nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, tc := range response.ToolCalls {
			if opts.Cancel.Cancelled() {
				logger.InfoC("agent", fmt.Sprintf("%sTool loop cancelled before executing %s", prefix, tc.Function.Name))
				return CancelledResponse, messages[start:], nil
			}

			args := parseToolArguments(tc.Function.Arguments)
			logger.InfoCF("agent", fmt.Sprintf("%sTool call: %s", prefix, tc.Function.Name),
				map[string]interface{}{"args": utils.Truncate(tc.Function.Arguments, 200)})
			if opts.OnToolCall != nil {
				opts.OnToolCall(tc.Function.Name, args)
			}

			result := executeWithHeartbeat(ctx, registry, tc.Function.Name, args, opts.OnToolCall)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
		}
	}

	return "", messages[start:], nil
}

// executeWithHeartbeat runs a tool and fires the callback every 30s
// while it is still going, so the user sees long operations are alive.
func executeWithHeartbeat(ctx context.Context, registry *tools.ToolRegistry, name string, args map[string]interface{}, onToolCall ToolCallFunc) string {
	done := make(chan string, 1)
	go func() {
		done <- registry.Execute(ctx, name, args).Content()
	}()

	if onToolCall == nil {
		return <-done
	}

	elapsed := 0
	timer := time.NewTimer(heartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case result := <-done:
			return result
		case <-timer.C:
			elapsed += int(heartbeatInterval.Seconds())
			onToolCall(name, map[string]interface{}{"_heartbeat": true, "elapsed": elapsed})
			timer.Reset(heartbeatInterval)
		}
	}
}

func parseToolArguments(raw string) map[string]interface{} {
	args := map[string]interface{}{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.WarnCF("agent", "Malformed tool arguments", map[string]interface{}{
			"arguments": utils.Truncate(raw, 200),
			"error":     err.Error(),
		})
	}
	return args
}

// SummarizeToolActions builds a compact text digest of the tool calls
// in a slice of loop messages, for carrying tool activity into saved
// history without the full transcripts.
func SummarizeToolActions(messages []providers.Message) string {
	type action struct {
		id     string
		name   string
		args   string
		result string
	}
	var actions []*action

	for _, msg := range messages {
		switch {
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			for _, tc := range msg.ToolCalls {
				parsed := parseToolArguments(tc.Function.Arguments)
				keys := make([]string, 0, len(parsed))
				for k := range parsed {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				parts := make([]string, 0, len(keys))
				for _, k := range keys {
					parts = append(parts, fmt.Sprintf("%s=%s", k, utils.Truncate(fmt.Sprintf("%v", parsed[k]), 120)))
				}
				actions = append(actions, &action{
					id:   tc.ID,
					name: tc.Function.Name,
					args: strings.Join(parts, ", "),
				})
			}
		case msg.Role == "tool":
			for i := len(actions) - 1; i >= 0; i-- {
				if actions[i].id == msg.ToolCallID {
					actions[i].result = utils.Truncate(msg.Content, 200)
					break
				}
			}
		}
	}

	if len(actions) == 0 {
		return ""
	}

	lines := make([]string, 0, len(actions))
	for _, a := range actions {
		line := fmt.Sprintf("- %s(%s)", a.name, a.args)
		if a.result != "" {
			line += " -> " + a.result
		}
		lines = append(lines, line)
	}
	return "<tool_context>\n" + strings.Join(lines, "\n") + "\n</tool_context>"
}

var toolContextRe = regexp.MustCompile(`(?s)<tool_context>.*?</tool_context>\n?`)

// StripToolContext removes echoed tool digests from model output so
// they never reach the user.
func StripToolContext(content string) string {
	if !strings.Contains(content, "<tool_context>") {
		return content
	}
	return strings.TrimSpace(toolContextRe.ReplaceAllString(content, ""))
}
