package bus

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by the non-blocking consume helpers when no
// message is available within the wait window.
var ErrEmpty = errors.New("bus: no message available")

// MessageBus decouples chat channels from the agent loop. Channels
// publish inbound messages and consume outbound ones; the agent does
// the reverse. Both queues are bounded.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithCapacity(256)
}

func NewMessageBusWithCapacity(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
	}
}

// PublishInbound blocks if the inbound queue is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound waits up to timeout for an inbound message. It returns
// ErrEmpty on timeout and ctx.Err() if the context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-timer.C:
		return InboundMessage{}, ErrEmpty
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeOutbound blocks until a message arrives or ctx is cancelled.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, error) {
	select {
	case msg := <-b.outbound:
		return msg, nil
	case <-ctx.Done():
		return OutboundMessage{}, ctx.Err()
	}
}

// InboundCount reports messages currently queued inbound.
func (b *MessageBus) InboundCount() int {
	return len(b.inbound)
}

func (b *MessageBus) OutboundCount() int {
	return len(b.outbound)
}
