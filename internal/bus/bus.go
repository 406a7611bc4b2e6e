// Package bus carries normalized messages between channel adapters and the
// dispatcher core. Channels publish inbound messages and chat metadata;
// the router consumes inbound; the channel registry consumes outbound.
package bus

import "context"

const queueDepth = 256

// MessageBus is an in-memory queue set decoupling channels from the router.
// Queues are bounded; a full queue drops the oldest entry rather than
// blocking a transport callback.
type MessageBus struct {
	inbound  chan Message
	outbound chan Outgoing
	metadata chan ChatMetadata
}

// New creates a MessageBus with default queue depths.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan Message, queueDepth),
		outbound: make(chan Outgoing, queueDepth),
		metadata: make(chan ChatMetadata, queueDepth),
	}
}

// PublishInbound enqueues an inbound message. Never blocks: when the queue
// is full the oldest message is dropped to keep the transport callback live.
func (b *MessageBus) PublishInbound(msg Message) {
	for {
		select {
		case b.inbound <- msg:
			return
		default:
			select {
			case <-b.inbound:
			default:
			}
		}
	}
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Message, bool) {
	select {
	case <-ctx.Done():
		return Message{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues an outgoing send.
func (b *MessageBus) PublishOutbound(out Outgoing) {
	for {
		select {
		case b.outbound <- out:
			return
		default:
			select {
			case <-b.outbound:
			default:
			}
		}
	}
}

// SubscribeOutbound blocks until an outgoing send is available or ctx is
// cancelled.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (Outgoing, bool) {
	select {
	case <-ctx.Done():
		return Outgoing{}, false
	case out := <-b.outbound:
		return out, true
	}
}

// PublishMetadata enqueues a chat metadata event.
func (b *MessageBus) PublishMetadata(meta ChatMetadata) {
	for {
		select {
		case b.metadata <- meta:
			return
		default:
			select {
			case <-b.metadata:
			default:
			}
		}
	}
}

// ConsumeMetadata blocks until a metadata event is available or ctx is
// cancelled.
func (b *MessageBus) ConsumeMetadata(ctx context.Context) (ChatMetadata, bool) {
	select {
	case <-ctx.Done():
		return ChatMetadata{}, false
	case meta := <-b.metadata:
		return meta, true
	}
}
