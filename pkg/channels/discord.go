package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

const discordMaxMessageLen = 2000

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus, workspace string) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot...")

	c.session.AddHandler(c.handleMessageCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"username": c.session.State.User.Username,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot...")
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	if len(msg.Media) > 0 {
		return c.sendMediaFiles(msg.ChatID, msg.Content, msg.Media)
	}

	chunks := splitLargeMessage(msg.Content, discordMaxMessageLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d]\n%s", i+1, len(chunks), chunk)
		}
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
	}
	return nil
}

func (c *DiscordChannel) sendMediaFiles(channelID, caption string, files []string) error {
	for i, filePath := range files {
		f, err := os.Open(filePath)
		if err != nil {
			logger.ErrorCF("discord", "Failed to open file for sending", map[string]interface{}{
				"path":  filePath,
				"error": err.Error(),
			})
			continue
		}

		send := &discordgo.MessageSend{
			Files: []*discordgo.File{{
				Name:   filepath.Base(filePath),
				Reader: f,
			}},
		}
		if i == 0 && caption != "" {
			send.Content = caption
		}

		_, err = c.session.ChannelMessageSendComplex(channelID, send)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to send file %s: %w", filepath.Base(filePath), err)
		}
	}
	return nil
}

func (c *DiscordChannel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username)
	}

	if !c.IsAllowed(m.Author.ID) && !c.IsAllowed(senderID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"user_id":  m.Author.ID,
			"username": m.Author.Username,
		})
		return
	}

	content := m.Content
	mediaPaths := []string{}

	for _, att := range m.Attachments {
		if utils.IsImageFile(att.Filename) {
			localPath := utils.DownloadFileSimple(att.URL, att.Filename)
			if localPath != "" {
				mediaPaths = append(mediaPaths, localPath)
				if content != "" {
					content += "\n"
				}
				content += "[image: " + att.Filename + "]"
				continue
			}
		}
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s %s]", att.Filename, att.URL)
	}

	if m.MessageReference != nil && m.ReferencedMessage != nil && m.ReferencedMessage.Content != "" {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[reply_to from=%s] %s",
			m.ReferencedMessage.Author.Username,
			utils.Truncate(m.ReferencedMessage.Content, 600))
	}

	if strings.TrimSpace(content) == "" {
		content = "[empty message]"
	}

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_id": senderID,
		"chat_id":   m.ChannelID,
		"preview":   utils.Truncate(content, 50),
	})

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		logger.DebugCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"user_id":    m.Author.ID,
		"username":   m.Author.Username,
		"is_group":   fmt.Sprintf("%t", m.GuildID != ""),
	}

	c.HandleMessage(senderID, m.ChannelID, content, mediaPaths, metadata)
}
