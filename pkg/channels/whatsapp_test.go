package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
)

func TestNewWhatsAppChannelValidatesBridgeURL(t *testing.T) {
	messageBus := bus.NewMessageBus()

	if _, err := NewWhatsAppChannel(config.WhatsAppConfig{}, messageBus); err == nil {
		t.Fatalf("expected error for missing bridge_url")
	}
	if _, err := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "http://localhost:3000"}, messageBus); err == nil {
		t.Fatalf("expected error for non-websocket URL")
	}
	if _, err := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:3000"}, messageBus); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWhatsAppHandleFramePublishes(t *testing.T) {
	messageBus := bus.NewMessageBus()
	ch, err := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:3000"}, messageBus)
	if err != nil {
		t.Fatalf("NewWhatsAppChannel: %v", err)
	}

	ch.handleFrame(whatsAppFrame{
		Type:     "message",
		SenderID: "15551234",
		ChatID:   "15551234@s.whatsapp.net",
		Content:  "hi there",
		PushName: "Bob",
	})

	msg, err := messageBus.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("expected inbound message: %v", err)
	}
	if msg.Channel != "whatsapp" || msg.Content != "hi there" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.SessionKey != "whatsapp:15551234@s.whatsapp.net" {
		t.Fatalf("unexpected session key: %q", msg.SessionKey)
	}
	if msg.Metadata["push_name"] != "Bob" {
		t.Fatalf("expected push_name metadata, got %v", msg.Metadata)
	}
}

func TestWhatsAppHandleFrameRespectsAllowlist(t *testing.T) {
	messageBus := bus.NewMessageBus()
	ch, err := NewWhatsAppChannel(config.WhatsAppConfig{
		BridgeURL: "ws://localhost:3000",
		AllowFrom: config.FlexibleStringSlice{"allowed-user"},
	}, messageBus)
	if err != nil {
		t.Fatalf("NewWhatsAppChannel: %v", err)
	}

	ch.handleFrame(whatsAppFrame{Type: "message", SenderID: "stranger", ChatID: "c1", Content: "ignored"})
	if messageBus.InboundCount() != 0 {
		t.Fatalf("denied sender should not publish")
	}

	ch.handleFrame(whatsAppFrame{Type: "message", SenderID: "allowed-user", ChatID: "c1", Content: "ok"})
	if messageBus.InboundCount() != 1 {
		t.Fatalf("allowed sender should publish")
	}
}

func TestWhatsAppHandleFrameEmptyContent(t *testing.T) {
	messageBus := bus.NewMessageBus()
	ch, err := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:3000"}, messageBus)
	if err != nil {
		t.Fatalf("NewWhatsAppChannel: %v", err)
	}

	ch.handleFrame(whatsAppFrame{Type: "message", SenderID: "u1", ChatID: "c1", Content: "  "})
	msg, err := messageBus.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("expected inbound message: %v", err)
	}
	if msg.Content != "[empty message]" {
		t.Fatalf("expected empty marker, got %q", msg.Content)
	}
}
