package channels

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/config"
)

func newTestSlackChannel(t *testing.T, messageBus *bus.MessageBus, allowFrom []string) *SlackChannel {
	t.Helper()
	ch, err := NewSlackChannel(config.SlackConfig{
		BotToken:  "xoxb-test",
		AppToken:  "xapp-test",
		AllowFrom: allowFrom,
	}, messageBus)
	if err != nil {
		t.Fatalf("NewSlackChannel: %v", err)
	}
	ch.botID = "UBOT"
	return ch
}

func callbackEvent(msg *slackevents.MessageEvent) slackevents.EventsAPIEvent {
	return slackevents.EventsAPIEvent{
		Type:       slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{Data: msg},
	}
}

func TestNewSlackChannelValidatesTokens(t *testing.T) {
	if _, err := NewSlackChannel(config.SlackConfig{BotToken: "xoxb-test"}, bus.NewMessageBus()); err == nil {
		t.Fatal("expected error when app_token is missing")
	}
	if _, err := NewSlackChannel(config.SlackConfig{BotToken: "xoxb-test", AppToken: "bad"}, bus.NewMessageBus()); err == nil {
		t.Fatal("expected error for app_token without xapp- prefix")
	}
}

func TestSlackHandleEventsAPIPublishesMessage(t *testing.T) {
	messageBus := bus.NewMessageBus()
	ch := newTestSlackChannel(t, messageBus, nil)

	ch.handleEventsAPI(callbackEvent(&slackevents.MessageEvent{
		User:            "U123",
		Channel:         "C456",
		Text:            "hello there",
		TimeStamp:       "1700000000.000100",
		ThreadTimeStamp: "1700000000.000001",
	}))

	msg, err := messageBus.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("expected inbound message: %v", err)
	}
	if msg.Channel != "slack" || msg.SenderID != "U123" || msg.ChatID != "C456" {
		t.Fatalf("unexpected message fields: %+v", msg)
	}
	if msg.Content != "hello there" {
		t.Fatalf("expected content forwarded, got %q", msg.Content)
	}
	if msg.Metadata["thread_ts"] != "1700000000.000001" {
		t.Fatalf("expected thread_ts in metadata, got %v", msg.Metadata)
	}
}

func TestSlackHandleEventsAPIFileShare(t *testing.T) {
	messageBus := bus.NewMessageBus()
	ch := newTestSlackChannel(t, messageBus, nil)

	ch.handleEventsAPI(callbackEvent(&slackevents.MessageEvent{
		User:    "U123",
		Channel: "C456",
		Text:    "see attached",
		SubType: "file_share",
	}))

	msg, err := messageBus.ConsumeInbound(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("expected inbound message: %v", err)
	}
	if !strings.Contains(msg.Content, "see attached") || !strings.Contains(msg.Content, "[file attachment]") {
		t.Fatalf("expected text plus attachment marker, got %q", msg.Content)
	}
}

func TestSlackHandleEventsAPIDropsEditsAndSelf(t *testing.T) {
	messageBus := bus.NewMessageBus()
	ch := newTestSlackChannel(t, messageBus, nil)

	ch.handleEventsAPI(callbackEvent(&slackevents.MessageEvent{
		User: "U123", Channel: "C456", Text: "edited", SubType: "message_changed",
	}))
	ch.handleEventsAPI(callbackEvent(&slackevents.MessageEvent{
		User: "UBOT", Channel: "C456", Text: "from the bot itself",
	}))

	if messageBus.InboundCount() != 0 {
		t.Fatalf("expected no inbound messages, got %d", messageBus.InboundCount())
	}
}

func TestSlackHandleEventsAPIRespectsAllowlist(t *testing.T) {
	messageBus := bus.NewMessageBus()
	ch := newTestSlackChannel(t, messageBus, []string{"U123"})

	ch.handleEventsAPI(callbackEvent(&slackevents.MessageEvent{
		User: "U999", Channel: "C456", Text: "not allowed",
	}))

	if messageBus.InboundCount() != 0 {
		t.Fatalf("expected disallowed sender to be dropped, got %d messages", messageBus.InboundCount())
	}
}
