package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const telegramMaxMessageLen = 4096

type TelegramChannel struct {
	*BaseChannel
	bot          *telego.Bot
	config       config.TelegramConfig
	placeholders sync.Map // chatID -> placeholder message ID
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus, workspace string) (*TelegramChannel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", messageBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": c.bot.Username(),
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleUpdate(ctx, update)
				}
			}
		}
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot...")
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := parseTelegramChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	if len(msg.Media) > 0 {
		// A media response replaces the placeholder entirely.
		if pID, ok := c.placeholders.Load(msg.ChatID); ok {
			c.placeholders.Delete(msg.ChatID)
			c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
				ChatID:    tu.ID(chatID),
				MessageID: pID.(int),
			})
		}
		return c.sendMediaFiles(ctx, chatID, msg.Content, msg.Media)
	}

	htmlContent := markdownToTelegramHTML(msg.Content)
	chunks := splitLargeMessage(htmlContent, telegramMaxMessageLen)

	// Edit the placeholder in place when we have one. Progress updates
	// keep it alive for the next edit; the final response releases it.
	if pID, ok := c.placeholders.Load(msg.ChatID); ok {
		if !msg.IsProgressUpdate {
			c.placeholders.Delete(msg.ChatID)
		}

		firstChunk := chunks[0]
		if len(chunks) > 1 {
			firstChunk = fmt.Sprintf("[1/%d]\n%s", len(chunks), firstChunk)
		}

		editMsg := tu.EditMessageText(tu.ID(chatID), pID.(int), firstChunk)
		editMsg.ParseMode = telego.ModeHTML

		if _, err = c.bot.EditMessageText(ctx, editMsg); err == nil {
			for i := 1; i < len(chunks); i++ {
				chunkContent := fmt.Sprintf("[%d/%d]\n%s", i+1, len(chunks), chunks[i])
				tgMsg := tu.Message(tu.ID(chatID), chunkContent)
				tgMsg.ParseMode = telego.ModeHTML
				if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
					logger.ErrorCF("telegram", "Failed to send message chunk", map[string]interface{}{
						"chunk": i + 1,
						"error": err.Error(),
					})
				}
			}
			return nil
		}
		logger.WarnCF("telegram", "Failed to edit placeholder, sending new message", map[string]interface{}{
			"error": err.Error(),
		})
	}

	var sentMsg *telego.Message
	for i, chunk := range chunks {
		chunkContent := chunk
		if len(chunks) > 1 {
			chunkContent = fmt.Sprintf("[%d/%d]\n%s", i+1, len(chunks), chunk)
		}

		tgMsg := tu.Message(tu.ID(chatID), chunkContent)
		tgMsg.ParseMode = telego.ModeHTML

		sent, err := c.bot.SendMessage(ctx, tgMsg)
		if err != nil {
			// Malformed HTML gets a plain-text retry.
			tgMsg.ParseMode = ""
			sent, err = c.bot.SendMessage(ctx, tgMsg)
			if err != nil {
				logger.ErrorCF("telegram", "Failed to send message chunk", map[string]interface{}{
					"chunk": i + 1,
					"error": err.Error(),
				})
				continue
			}
		}

		if i == 0 {
			sentMsg = sent
		}
	}

	if msg.IsProgressUpdate && sentMsg != nil {
		c.placeholders.Store(msg.ChatID, sentMsg.MessageID)
	}

	return nil
}

// sendMediaFiles sends local files, choosing the upload method by extension.
func (c *TelegramChannel) sendMediaFiles(ctx context.Context, chatID int64, caption string, files []string) error {
	for i, filePath := range files {
		f, err := os.Open(filePath)
		if err != nil {
			logger.ErrorCF("telegram", "Failed to open file for sending", map[string]interface{}{
				"path":  filePath,
				"error": err.Error(),
			})
			continue
		}

		fileCaption := ""
		if i == 0 && caption != "" {
			fileCaption = caption
		}

		ext := strings.ToLower(filepath.Ext(filePath))

		switch {
		case ext == ".jpg" || ext == ".jpeg" || ext == ".png" || ext == ".gif" || ext == ".webp":
			params := tu.Photo(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			_, err = c.bot.SendPhoto(ctx, params)

		case ext == ".mp4" || ext == ".mov" || ext == ".avi" || ext == ".mkv":
			params := tu.Video(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			_, err = c.bot.SendVideo(ctx, params)

		case ext == ".mp3" || ext == ".ogg" || ext == ".wav" || ext == ".m4a" || ext == ".flac":
			params := tu.Audio(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			_, err = c.bot.SendAudio(ctx, params)

		default:
			params := tu.Document(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			_, err = c.bot.SendDocument(ctx, params)
		}

		f.Close()

		if err != nil {
			return fmt.Errorf("failed to send file %s: %w", filepath.Base(filePath), err)
		}
	}

	return nil
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}

	user := message.From
	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	// Check the allowlist before downloading anything.
	if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]interface{}{
			"user_id":  userID,
			"username": user.Username,
		})
		return
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	mediaPaths := []string{}

	if len(message.Photo) > 0 {
		photo := message.Photo[len(message.Photo)-1]
		photoPath := c.downloadFile(ctx, photo.FileID, ".jpg")
		if photoPath != "" {
			mediaPaths = append(mediaPaths, photoPath)
			if content != "" {
				content += "\n"
			}
			content += "[image: photo]"
		}
	}

	if message.Voice != nil {
		if content != "" {
			content += "\n"
		}
		content += "[voice message]"
	}

	if message.Document != nil {
		docPath := c.downloadFile(ctx, message.Document.FileID, "")
		if docPath != "" {
			docName := message.Document.FileName
			if docName == "" {
				docName = filepath.Base(docPath)
			}
			if content != "" {
				content += "\n"
			}
			content += fmt.Sprintf("[file: %s at %s]", docName, docPath)
		}
	}

	if message.ReplyToMessage != nil {
		replyContext := formatTelegramReplyContext(message.ReplyToMessage)
		if replyContext != "" {
			if content != "" {
				content += "\n"
			}
			content += replyContext
		}
	}

	if content == "" {
		content = "[empty message]"
	}

	logger.DebugCF("telegram", "Received message", map[string]interface{}{
		"sender_id": senderID,
		"chat_id":   chatIDStr,
		"preview":   utils.Truncate(content, 50),
	})

	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		logger.DebugCF("telegram", "Failed to send chat action", map[string]interface{}{
			"error": err.Error(),
		})
	}

	pMsg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "Thinking... 💭"))
	if err == nil {
		c.placeholders.Store(chatIDStr, pMsg.MessageID)
	}

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"user_id":    userID,
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   fmt.Sprintf("%t", message.Chat.Type != "private"),
	}

	c.HandleMessage(senderID, chatIDStr, content, mediaPaths, metadata)
}

func (c *TelegramChannel) downloadFile(ctx context.Context, fileID, ext string) string {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.ErrorCF("telegram", "Failed to get file", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	if file.FilePath == "" {
		return ""
	}

	filename := file.FilePath
	if filepath.Ext(filename) == "" {
		filename += ext
	}
	return utils.DownloadFile(c.bot.FileDownloadURL(file.FilePath), filename, utils.DownloadOptions{
		LoggerPrefix: "telegram",
	})
}

func parseTelegramChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// splitLargeMessage splits a message into chunks that fit under maxLen,
// preferring to break at a newline in the last third of a chunk.
func splitLargeMessage(content string, maxLen int) []string {
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	remaining := content

	for len(remaining) > 0 {
		chunkSize := maxLen
		if len(remaining) < chunkSize {
			chunkSize = len(remaining)
		}

		if chunkSize == maxLen {
			lastNewline := strings.LastIndex(remaining[:chunkSize], "\n")
			if lastNewline > maxLen*2/3 {
				chunkSize = lastNewline + 1
			}
		}

		chunks = append(chunks, remaining[:chunkSize])
		remaining = remaining[chunkSize:]
	}

	return chunks
}

// markdownToTelegramHTML converts common markdown to the HTML subset
// Telegram accepts. Code spans are pulled out first so their contents
// survive the other rewrites untouched.
func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	codeBlocks := extractCodeBlocks(text)
	text = codeBlocks.text

	inlineCodes := extractInlineCodes(text)
	text = inlineCodes.text

	text = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`).ReplaceAllString(text, "$1")
	text = regexp.MustCompile(`(?m)^>\s*(.*)$`).ReplaceAllString(text, "$1")

	text = escapeHTML(text)

	text = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`).ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = regexp.MustCompile(`\*\*(.+?)\*\*`).ReplaceAllString(text, "<b>$1</b>")
	text = regexp.MustCompile(`__(.+?)__`).ReplaceAllString(text, "<b>$1</b>")

	reItalic := regexp.MustCompile(`_([^_]+)_`)
	text = reItalic.ReplaceAllStringFunc(text, func(s string) string {
		match := reItalic.FindStringSubmatch(s)
		if len(match) < 2 {
			return s
		}
		return "<i>" + match[1] + "</i>"
	})

	text = regexp.MustCompile(`~~(.+?)~~`).ReplaceAllString(text, "<s>$1</s>")
	text = regexp.MustCompile(`(?m)^[-*]\s+`).ReplaceAllString(text, "• ")

	for i, code := range inlineCodes.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i), fmt.Sprintf("<code>%s</code>", escaped))
	}

	for i, code := range codeBlocks.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i), fmt.Sprintf("<pre><code>%s</code></pre>", escaped))
	}

	return text
}

type codeBlockMatch struct {
	text  string
	codes []string
}

func extractCodeBlocks(text string) codeBlockMatch {
	re := regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	i := 0
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		placeholder := fmt.Sprintf("\x00CB%d\x00", i)
		i++
		return placeholder
	})

	return codeBlockMatch{text: text, codes: codes}
}

type inlineCodeMatch struct {
	text  string
	codes []string
}

func extractInlineCodes(text string) inlineCodeMatch {
	re := regexp.MustCompile("`([^`]+)`")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	i := 0
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		placeholder := fmt.Sprintf("\x00IC%d\x00", i)
		i++
		return placeholder
	})

	return inlineCodeMatch{text: text, codes: codes}
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

func formatTelegramReplyContext(reply *telego.Message) string {
	if reply == nil {
		return ""
	}

	replyFrom := "unknown"
	if reply.From != nil {
		switch {
		case reply.From.Username != "":
			replyFrom = "@" + reply.From.Username
		case reply.From.FirstName != "":
			replyFrom = reply.From.FirstName
		default:
			replyFrom = fmt.Sprintf("user_%d", reply.From.ID)
		}
	}

	parts := make([]string, 0, 4)
	if reply.Text != "" {
		parts = append(parts, reply.Text)
	}
	if reply.Caption != "" {
		parts = append(parts, reply.Caption)
	}
	if len(reply.Photo) > 0 {
		parts = append(parts, "[image]")
	}
	if reply.Voice != nil {
		parts = append(parts, "[voice]")
	}
	if reply.Document != nil {
		parts = append(parts, "[file]")
	}
	if len(parts) == 0 {
		parts = append(parts, "[non-text message]")
	}

	replyBody := utils.Truncate(strings.Join(parts, " "), 600)
	return fmt.Sprintf("[reply_to from=%s id=%d] %s", replyFrom, reply.MessageID, replyBody)
}
