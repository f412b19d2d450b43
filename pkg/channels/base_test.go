package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
)

func TestIsAllowedEmptyListAllowsEveryone(t *testing.T) {
	c := NewBaseChannel("test", bus.NewMessageBus(), nil)
	if !c.IsAllowed("anyone") {
		t.Fatalf("empty allowlist should allow all senders")
	}
}

func TestIsAllowedChecksList(t *testing.T) {
	c := NewBaseChannel("test", bus.NewMessageBus(), []string{"123", "456|alice"})

	if !c.IsAllowed("123") {
		t.Fatalf("listed sender should be allowed")
	}
	if !c.IsAllowed("456|alice") {
		t.Fatalf("listed compound sender should be allowed")
	}
	if c.IsAllowed("789") {
		t.Fatalf("unlisted sender should be denied")
	}
}

func TestHandleMessagePublishesInbound(t *testing.T) {
	messageBus := bus.NewMessageBus()
	c := NewBaseChannel("telegram", messageBus, nil)

	c.HandleMessage("42|bob", "1001", "hello", []string{"/tmp/pic.jpg"}, map[string]string{"k": "v"})

	ctx := context.Background()
	msg, err := messageBus.ConsumeInbound(ctx, time.Second)
	if err != nil {
		t.Fatalf("expected inbound message: %v", err)
	}
	if msg.Channel != "telegram" {
		t.Fatalf("expected channel telegram, got %q", msg.Channel)
	}
	if msg.SessionKey != "telegram:1001" {
		t.Fatalf("expected session key telegram:1001, got %q", msg.SessionKey)
	}
	if msg.SenderID != "42|bob" || msg.ChatID != "1001" || msg.Content != "hello" {
		t.Fatalf("unexpected message fields: %+v", msg)
	}
	if len(msg.Media) != 1 || msg.Media[0] != "/tmp/pic.jpg" {
		t.Fatalf("expected media paths forwarded, got %v", msg.Media)
	}
	if msg.Metadata["k"] != "v" {
		t.Fatalf("expected metadata forwarded, got %v", msg.Metadata)
	}
}

func TestRunningFlag(t *testing.T) {
	c := NewBaseChannel("test", bus.NewMessageBus(), nil)
	if c.IsRunning() {
		t.Fatalf("new channel should not be running")
	}
	c.setRunning(true)
	if !c.IsRunning() {
		t.Fatalf("expected running after setRunning(true)")
	}
	c.setRunning(false)
	if c.IsRunning() {
		t.Fatalf("expected stopped after setRunning(false)")
	}
}
