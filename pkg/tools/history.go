package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// HistorySearchTool searches the JSONL archive the compaction
// extension writes when trimming long sessions.
type HistorySearchTool struct {
	archiveDir string
	channel    string
	chatID     string
}

func NewHistorySearchTool(archiveDir string) *HistorySearchTool {
	return &HistorySearchTool{archiveDir: archiveDir}
}

func (t *HistorySearchTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *HistorySearchTool) Name() string {
	return "history_search"
}

func (t *HistorySearchTool) Description() string {
	return "Search your archived conversation history for past messages. Use this when you need to recall something discussed earlier that may have been compacted out of your current context."
}

func (t *HistorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to search for in archived messages (case-insensitive)",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of matching messages to return (default 10)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *HistorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return ErrorResult("query is required")
	}
	maxResults := 10
	if v, ok := args["max_results"].(float64); ok && v > 0 {
		maxResults = int(v)
	}

	path := t.archivePath()
	file, err := os.Open(path)
	if err != nil {
		return NewToolResult("No archived conversation history found for this session.")
	}
	defer file.Close()

	queryLower := strings.ToLower(query)
	type archived struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var results []archived

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg archived
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(msg.Content), queryLower) {
			results = append(results, msg)
			if len(results) >= maxResults {
				break
			}
		}
	}

	if len(results) == 0 {
		return NewToolResult(fmt.Sprintf("No archived messages matching '%s'.", query))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d archived message(s) matching '%s':\n\n", len(results), query)
	for _, msg := range results {
		role := msg.Role
		if role == "" {
			role = "?"
		}
		fmt.Fprintf(&b, "[%s] %s\n\n", role, utils.Truncate(msg.Content, 500))
	}
	return NewToolResult(strings.TrimRight(b.String(), "\n"))
}

func (t *HistorySearchTool) archivePath() string {
	key := strings.ReplaceAll(t.channel+":"+t.chatID, ":", "_")
	return filepath.Join(t.archiveDir, key+".jsonl")
}
