package bus

import (
	"context"
	"log"
	"sync"
)

type OutboundHandler func(OutboundMessage)

// MessageBus decouples channel adapters from the conversation.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
}

// NewMessageBus creates a message bus with buffered channels.
func NewMessageBus(bufferSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufferSize),
		Outbound:    make(chan OutboundMessage, bufferSize),
		subscribers: make(map[string][]OutboundHandler),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// PublishInbound queues an inbound message, giving up when ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound queues an outbound message, giving up when ctx is done.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublishOutbound queues an outbound message without waiting. It reports
// false when the buffer is full and the message was not queued.
func (b *MessageBus) TryPublishOutbound(msg OutboundMessage) bool {
	select {
	case b.Outbound <- msg:
		return true
	default:
		return false
	}
}

// DispatchOutbound delivers outbound messages to subscribers until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	var handlers []OutboundHandler
	if msg.Channel == "" {
		for _, hs := range b.subscribers {
			handlers = append(handlers, hs...)
		}
	} else {
		handlers = append(handlers, b.subscribers[msg.Channel]...)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		log.Printf("[bus] no subscriber for channel %q, dropping outbound message", msg.Channel)
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}
