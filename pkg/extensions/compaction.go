package extensions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/session"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const (
	// Rough heuristic: one token per four characters of text.
	charsPerToken = 4
	// Fixed per-message overhead for role and framing tokens.
	messageOverheadTokens = 4
	// After compaction the kept tail targets this share of the budget.
	keepBudgetFraction = 0.6
)

func init() {
	RegisterConstructor("compaction", func(cfg *config.Config) (Extension, error) {
		return NewCompaction(
			cfg.Extensions.Compaction.MaxTokens,
			cfg.Extensions.Compaction.ContextHeadroom,
			cfg.ArchiveDir(),
		), nil
	})
}

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}

// EstimateMessagesTokens approximates the token cost of a message list.
func EstimateMessagesTokens(messages []providers.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content) + messageOverheadTokens
	}
	return total
}

// Compaction keeps sessions inside a token budget. When a session
// grows past maxTokens, the oldest messages move to an append-only
// JSONL archive and a plain-text summary of them rides along in the
// session metadata. TransformHistory re-injects that summary and trims
// the prompt to fit maxTokens minus contextHeadroom.
type Compaction struct {
	maxTokens       int
	contextHeadroom int
	archiveDir      string
}

func NewCompaction(maxTokens, contextHeadroom int, archiveDir string) *Compaction {
	if maxTokens <= 0 {
		maxTokens = 100000
	}
	if contextHeadroom <= 0 {
		contextHeadroom = 4000
	}
	return &Compaction{
		maxTokens:       maxTokens,
		contextHeadroom: contextHeadroom,
		archiveDir:      archiveDir,
	}
}

func (c *Compaction) Name() string { return "compaction" }

// TransformHistory trims oldest-first until the history fits the
// prompt budget, never dropping the newest message, then prepends the
// compaction summary when one exists.
func (c *Compaction) TransformHistory(history []providers.Message, sess *session.Session, ectx Context) ([]providers.Message, error) {
	budget := c.maxTokens - c.contextHeadroom
	for len(history) > 1 && EstimateMessagesTokens(history) > budget {
		history = history[1:]
	}

	summary := c.summaryFrom(sess)
	if summary == "" {
		return history, nil
	}

	out := make([]providers.Message, 0, len(history)+1)
	out = append(out, providers.Message{
		Role:    "user",
		Content: fmt.Sprintf("[Context from earlier conversation:\n%s]", summary),
	})
	return append(out, history...), nil
}

// PreSessionSave archives the oldest messages once the stored session
// exceeds the token budget, keeping a tail of roughly 60% of it.
func (c *Compaction) PreSessionSave(sess *session.Session, ectx Context) error {
	total := EstimateMessagesTokens(sess.Messages)
	if total <= c.maxTokens {
		return nil
	}

	target := int(float64(c.maxTokens) * keepBudgetFraction)
	keepFrom := len(sess.Messages)
	acc := 0
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		cost := EstimateTokens(sess.Messages[i].Content) + messageOverheadTokens
		if acc+cost > target && keepFrom < len(sess.Messages) {
			break
		}
		acc += cost
		keepFrom = i
	}

	toArchive := sess.Messages[:keepFrom]
	if len(toArchive) == 0 {
		// Everything fits inside the keep window, nothing to archive
		return nil
	}
	kept := sess.Messages[keepFrom:]

	archivePath := c.archivePath(ectx, sess.Key)
	if err := appendArchive(archivePath, toArchive); err != nil {
		return fmt.Errorf("archiving %d messages for %s: %w", len(toArchive), sess.Key, err)
	}

	if sess.Metadata == nil {
		sess.Metadata = map[string]interface{}{}
	}
	prevSummary, _ := sess.Metadata["compaction_summary"].(string)
	prevArchived := 0
	switch v := sess.Metadata["archived_count"].(type) {
	case int:
		prevArchived = v
	case float64:
		prevArchived = int(v)
	}

	sess.Messages = kept
	sess.Metadata["compaction_summary"] = buildSummary(toArchive, prevSummary)
	sess.Metadata["archive_path"] = archivePath
	sess.Metadata["archived_count"] = prevArchived + len(toArchive)

	logger.InfoCF("compaction", "Compacted session", map[string]interface{}{
		"session":        sess.Key,
		"archived":       len(toArchive),
		"kept":           len(kept),
		"total_archived": prevArchived + len(toArchive),
	})
	return nil
}

func (c *Compaction) summaryFrom(sess *session.Session) string {
	if sess == nil || sess.Metadata == nil {
		return ""
	}
	summary, _ := sess.Metadata["compaction_summary"].(string)
	return summary
}

func (c *Compaction) archivePath(ectx Context, sessionKey string) string {
	dir := c.archiveDir
	if dir == "" {
		dir = filepath.Join(ectx.Workspace, "sessions", "archives")
	}
	safeKey := strings.ReplaceAll(sessionKey, ":", "_")
	return filepath.Join(dir, safeKey+".jsonl")
}

func appendArchive(path string, messages []providers.Message) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	return f.Sync()
}

// buildSummary condenses archived messages without an LLM call: the
// previous summary abbreviated, up to five sampled user topics, and
// the last exchange, capped at 1000 characters.
func buildSummary(messages []providers.Message, prevSummary string) string {
	var parts []string

	if prevSummary != "" {
		parts = append(parts, strings.TrimRight(utils.Truncate(prevSummary, 300), " "))
	}

	var userMsgs []providers.Message
	for _, m := range messages {
		if m.Role == "user" {
			userMsgs = append(userMsgs, m)
		}
	}
	step := len(userMsgs) / 5
	if step < 1 {
		step = 1
	}
	var topics []string
	for i := 0; i < len(userMsgs) && len(topics) < 5; i += step {
		line := utils.Truncate(utils.FirstLine(strings.TrimSpace(userMsgs[i].Content)), 200)
		if line != "" {
			topics = append(topics, "- "+line)
		}
	}
	if len(topics) > 0 {
		parts = append(parts, "Topics discussed:\n"+strings.Join(topics, "\n"))
	}

	var lastUser, lastAssistant string
	for i := len(messages) - 1; i >= 0; i-- {
		switch messages[i].Role {
		case "assistant":
			if lastAssistant == "" {
				lastAssistant = messages[i].Content
			}
		case "user":
			if lastUser == "" {
				lastUser = messages[i].Content
			}
		}
		if lastUser != "" && lastAssistant != "" {
			break
		}
	}
	if lastUser != "" && lastAssistant != "" {
		parts = append(parts, fmt.Sprintf("Last archived exchange:\nUser: %s\nAssistant: %s",
			utils.Truncate(lastUser, 200), utils.Truncate(lastAssistant, 200)))
	}

	summary := strings.Join(parts, "\n\n")
	if utf8.RuneCountInString(summary) > 1000 {
		summary = string([]rune(summary)[:1000])
	}
	return summary
}
