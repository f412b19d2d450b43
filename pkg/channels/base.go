package channels

import (
	"context"
	"sync/atomic"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

// Channel is a chat transport that feeds inbound messages onto the bus
// and delivers agent responses back to the platform.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the state every channel shares: the bus, the
// sender allowlist and a running flag. Concrete channels embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	running   atomic.Bool
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       messageBus,
		allowFrom: allowFrom,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(v bool) {
	c.running.Store(v)
}

// IsAllowed reports whether a sender may talk to the bot. An empty
// allowlist means everyone is allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, allowed := range c.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound message for the agent loop.
// The session key is "<channel>:<chat_id>" so each chat keeps its
// own history.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	msg := bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		Media:      media,
		SessionKey: c.name + ":" + chatID,
		Metadata:   metadata,
	}
	logger.DebugCF("channel", "Inbound message", map[string]interface{}{
		"channel": c.name,
		"sender":  senderID,
		"chat_id": chatID,
		"length":  len(content),
	})
	c.bus.PublishInbound(msg)
}
