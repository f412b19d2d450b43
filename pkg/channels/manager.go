package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

// errorReplyText is what users see when a turn fails. The real error
// stays in the logs.
const errorReplyText = "Sorry, something went wrong while processing your message. Please try again."

// Manager owns the enabled channels: it starts and stops them and
// routes outbound messages from the bus to the right transport.
type Manager struct {
	bus      *bus.MessageBus
	channels map[string]Channel
	wg       sync.WaitGroup
}

// NewManager builds a manager with every channel enabled in the config.
// A channel that fails to construct is logged and skipped so one bad
// token does not take down the rest.
func NewManager(cfg *config.Config, messageBus *bus.MessageBus, workspace string) *Manager {
	m := &Manager{
		bus:      messageBus,
		channels: make(map[string]Channel),
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Channels.Telegram, messageBus, workspace)
		if err != nil {
			logger.ErrorCF("channels", "Failed to create telegram channel", map[string]interface{}{"error": err.Error()})
		} else {
			m.channels["telegram"] = ch
		}
	}

	if cfg.Channels.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Channels.Discord, messageBus, workspace)
		if err != nil {
			logger.ErrorCF("channels", "Failed to create discord channel", map[string]interface{}{"error": err.Error()})
		} else {
			m.channels["discord"] = ch
		}
	}

	if cfg.Channels.Slack.Enabled {
		ch, err := NewSlackChannel(cfg.Channels.Slack, messageBus)
		if err != nil {
			logger.ErrorCF("channels", "Failed to create slack channel", map[string]interface{}{"error": err.Error()})
		} else {
			m.channels["slack"] = ch
		}
	}

	if cfg.Channels.WhatsApp.Enabled {
		ch, err := NewWhatsAppChannel(cfg.Channels.WhatsApp, messageBus)
		if err != nil {
			logger.ErrorCF("channels", "Failed to create whatsapp channel", map[string]interface{}{"error": err.Error()})
		} else {
			m.channels["whatsapp"] = ch
		}
	}

	return m
}

// Register adds a channel under its own name. Used by tests and by
// callers that construct channels manually.
func (m *Manager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
}

func (m *Manager) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every channel and the outbound dispatch loop.
func (m *Manager) StartAll(ctx context.Context) error {
	if len(m.channels) == 0 {
		return fmt.Errorf("no channels enabled")
	}

	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			continue
		}
		logger.InfoCF("channels", "Channel started", map[string]interface{}{"channel": name})
	}

	m.wg.Add(1)
	go m.dispatchOutbound(ctx)
	return nil
}

// StopAll stops the channels. The dispatch loop exits when its
// context is cancelled.
func (m *Manager) StopAll(ctx context.Context) {
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			logger.WarnCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
	m.wg.Wait()
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer m.wg.Done()
	for {
		msg, err := m.bus.ConsumeOutbound(ctx)
		if err != nil {
			return
		}
		ch, ok := m.channels[msg.Channel]
		if !ok {
			logger.WarnCF("channels", "Outbound message for unknown channel", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}
		// Error turns carry internal detail (provider errors, keys in
		// URLs). Log it here, send the user a generic line.
		if msg.Error {
			logger.ErrorCF("channels", "Agent turn failed", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"detail":  msg.Content,
			})
			msg.Content = errorReplyText
			msg.Media = nil
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to send message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}
