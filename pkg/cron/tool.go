package cron

import (
	"context"
	"fmt"
	"strings"

	"github.com/nanoclaw/nanoclaw/pkg/tools"
)

// Tool exposes job management to the model. Jobs created here belong
// to the chat the tool was invoked from.
type Tool struct {
	service *Service
	channel string
	chatID  string
}

func NewTool(service *Service) *Tool {
	return &Tool{service: service}
}

func (t *Tool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *Tool) Name() string {
	return "cron"
}

func (t *Tool) Description() string {
	return "Schedule recurring reminders with cron expressions. Actions: add, list, remove."
}

func (t *Tool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "list", "remove"},
				"description": "What to do",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Job name (for add)",
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression, e.g. '0 9 * * *' (for add)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message delivered when the job fires (for add)",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job ID (for remove)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		name, _ := args["name"].(string)
		schedule, _ := args["schedule"].(string)
		message, _ := args["message"].(string)
		if schedule == "" || message == "" {
			return tools.ErrorResult("schedule and message are required for add")
		}
		if name == "" {
			name = "reminder"
		}
		job, err := t.service.Add(name, schedule, message, t.channel, t.chatID)
		if err != nil {
			return tools.ErrorResult(err.Error())
		}
		return tools.NewToolResult(fmt.Sprintf("Job %s (%s) scheduled: %s", job.ID, job.Name, job.Schedule))

	case "list":
		jobs := t.service.List()
		if len(jobs) == 0 {
			return tools.NewToolResult("No scheduled jobs.")
		}
		var b strings.Builder
		for _, job := range jobs {
			fmt.Fprintf(&b, "%s  %-20s %-15s %s\n", job.ID, job.Name, job.Schedule, job.Message)
		}
		return tools.NewToolResult(b.String())

	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return tools.ErrorResult("id is required for remove")
		}
		if !t.service.Remove(id) {
			return tools.ErrorResult(fmt.Sprintf("no job with id %s", id))
		}
		return tools.NewToolResult(fmt.Sprintf("Job %s removed.", id))

	default:
		return tools.ErrorResult("action must be one of add, list, remove")
	}
}
