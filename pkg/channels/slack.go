package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

type SlackChannel struct {
	*BaseChannel
	api    *slack.Client
	socket *socketmode.Client
	config config.SlackConfig
	botID  string
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) (*SlackChannel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack requires both bot_token and app_token")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack app_token must start with xapp-")
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(api)

	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", messageBus, cfg.AllowFrom),
		api:         api,
		socket:      socket,
		config:      cfg,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	logger.InfoC("slack", "Starting Slack bot (socket mode)...")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}
	c.botID = auth.UserID

	c.setRunning(true)
	logger.InfoCF("slack", "Slack bot connected", map[string]interface{}{
		"bot_user": auth.User,
	})

	go c.eventLoop(ctx)
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("slack", "Socket mode stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Stopping Slack bot...")
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}

	for _, filePath := range msg.Media {
		info, err := os.Stat(filePath)
		if err != nil {
			logger.ErrorCF("slack", "Failed to stat file", map[string]interface{}{
				"path":  filePath,
				"error": err.Error(),
			})
			continue
		}
		_, err = c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			File:     filePath,
			FileSize: int(info.Size()),
			Filename: filepath.Base(filePath),
			Channel:  msg.ChatID,
		})
		if err != nil {
			logger.ErrorCF("slack", "Failed to upload file", map[string]interface{}{
				"path":  filePath,
				"error": err.Error(),
			})
		}
	}

	if msg.Content == "" {
		return nil
	}

	_, _, err := c.api.PostMessageContext(ctx, msg.ChatID,
		slack.MsgOptionText(msg.Content, false))
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				c.socket.Ack(*evt.Request)
				c.handleEventsAPI(apiEvent)
			case socketmode.EventTypeConnectionError:
				logger.WarnC("slack", "Socket mode connection error, retrying...")
			}
		}
	}
}

func (c *SlackChannel) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}

	msgEvent, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Drop our own messages and edits/deletes. File uploads arrive as
	// the file_share subtype and still carry the user's text.
	if msgEvent.User == "" || msgEvent.User == c.botID {
		return
	}
	if msgEvent.SubType != "" && msgEvent.SubType != "file_share" {
		return
	}

	if !c.IsAllowed(msgEvent.User) {
		logger.DebugCF("slack", "Message rejected by allowlist", map[string]interface{}{
			"user_id": msgEvent.User,
		})
		return
	}

	content := msgEvent.Text
	if msgEvent.SubType == "file_share" {
		if content != "" {
			content += "\n"
		}
		content += "[file attachment]"
	}

	if strings.TrimSpace(content) == "" {
		content = "[empty message]"
	}

	logger.DebugCF("slack", "Received message", map[string]interface{}{
		"sender_id": msgEvent.User,
		"chat_id":   msgEvent.Channel,
		"preview":   utils.Truncate(content, 50),
	})

	metadata := map[string]string{
		"user_id":   msgEvent.User,
		"timestamp": msgEvent.TimeStamp,
		"thread_ts": msgEvent.ThreadTimeStamp,
	}

	c.HandleMessage(msgEvent.User, msgEvent.Channel, content, []string{}, metadata)
}
