package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// WhatsAppChannel talks to a local bridge process over a websocket.
// The bridge owns the WhatsApp Web session and relays messages as
// JSON frames in both directions.
type WhatsAppChannel struct {
	*BaseChannel
	config config.WhatsAppConfig
	connMu sync.Mutex
	conn   *websocket.Conn
}

type whatsAppFrame struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Content  string `json:"content,omitempty"`
	PushName string `json:"push_name,omitempty"`
	IsGroup  bool   `json:"is_group,omitempty"`
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) (*WhatsAppChannel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp requires bridge_url")
	}
	if !strings.HasPrefix(cfg.BridgeURL, "ws://") && !strings.HasPrefix(cfg.BridgeURL, "wss://") {
		return nil, fmt.Errorf("whatsapp bridge_url must be a ws:// or wss:// URL")
	}

	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", messageBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	logger.InfoCF("whatsapp", "Connecting to WhatsApp bridge", map[string]interface{}{
		"url": c.config.BridgeURL,
	})

	c.setRunning(true)
	go c.readLoop(ctx)
	return nil
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	logger.InfoC("whatsapp", "Stopping WhatsApp channel...")
	c.setRunning(false)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	frame := whatsAppFrame{
		Type:    "send",
		ChatID:  msg.ChatID,
		Content: msg.Content,
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write to bridge: %w", err)
	}
	return nil
}

// readLoop keeps a connection to the bridge alive, reconnecting with
// backoff when it drops.
func (c *WhatsAppChannel) readLoop(ctx context.Context) {
	backoff := time.Second

	for c.IsRunning() {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.BridgeURL, nil)
		if err != nil {
			logger.WarnCF("whatsapp", "Bridge connection failed, retrying", map[string]interface{}{
				"error":   err.Error(),
				"backoff": backoff.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		logger.InfoC("whatsapp", "Connected to WhatsApp bridge")

		c.consumeFrames(ctx, conn)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()
	}
}

func (c *WhatsAppChannel) consumeFrames(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		var frame whatsAppFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if c.IsRunning() && ctx.Err() == nil {
				logger.WarnCF("whatsapp", "Bridge read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		if frame.Type != "message" {
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *WhatsAppChannel) handleFrame(frame whatsAppFrame) {
	if frame.SenderID == "" || frame.ChatID == "" {
		return
	}

	if !c.IsAllowed(frame.SenderID) {
		logger.DebugCF("whatsapp", "Message rejected by allowlist", map[string]interface{}{
			"sender_id": frame.SenderID,
		})
		return
	}

	content := frame.Content
	if strings.TrimSpace(content) == "" {
		content = "[empty message]"
	}

	logger.DebugCF("whatsapp", "Received message", map[string]interface{}{
		"sender_id": frame.SenderID,
		"chat_id":   frame.ChatID,
		"preview":   utils.Truncate(content, 50),
	})

	metadata := map[string]string{
		"push_name": frame.PushName,
		"is_group":  fmt.Sprintf("%t", frame.IsGroup),
	}

	c.HandleMessage(frame.SenderID, frame.ChatID, content, []string{}, metadata)
}
