package tools

import (
	"context"
	"strings"
)

// SendMessageCallback publishes an outbound message for the current chat.
type SendMessageCallback func(channel, chatID, content string) error

// MessageTool lets the agent push an interim message to the user while
// it keeps working, e.g. before a slow tool chain.
type MessageTool struct {
	send    SendMessageCallback
	channel string
	chatID  string
}

func NewMessageTool() *MessageTool {
	return &MessageTool{}
}

func (t *MessageTool) SetSendCallback(cb SendMessageCallback) {
	t.send = cb
}

func (t *MessageTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *MessageTool) Name() string {
	return "send_message"
}

func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before your final response. Useful for progress updates during long tasks."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content, ok := args["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	if t.send == nil {
		return ErrorResult("message sending is not configured")
	}
	if t.channel == "" || t.chatID == "" {
		return ErrorResult("no active chat to send to")
	}
	if err := t.send(t.channel, t.chatID, content); err != nil {
		return ErrorResult("failed to send message: " + err.Error())
	}
	return SilentResult("Message sent to user.")
}
