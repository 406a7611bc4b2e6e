// Package channels provides the channel abstraction layer over the
// messaging transports. Adapters normalize transport payloads into
// bus.Message, claim a ChatId prefix set for outbound routing, and keep an
// in-memory offline queue so the router never blocks on a transport outage.
package channels

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/talaria-sh/talaria/internal/bus"
)

// Channel is the uniform contract every transport adapter satisfies.
type Channel interface {
	// Name returns the channel identifier (e.g. "signal", "slack:cit").
	Name() string

	// Connect establishes the transport. Non-blocking after setup; adapters
	// keep their own reconnect loops.
	Connect(ctx context.Context) error

	// Disconnect shuts the transport down.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the transport is currently usable.
	IsConnected() bool

	// Owns reports whether this channel claims the ChatId.
	Owns(chatID string) bool

	// Send delivers one outgoing message. While disconnected the message is
	// queued in-memory and the call returns nil; transient failures
	// re-enqueue. The caller never blocks on transport outages.
	Send(ctx context.Context, out bus.Outgoing) error
}

// BaseChannel provides the shared adapter machinery: prefix claims,
// connected flag, offline queue and send pacing. Adapters embed it.
type BaseChannel struct {
	name     string
	bus      *bus.MessageBus
	prefixes []string
	limiter  *rate.Limiter

	mu        sync.Mutex
	connected bool
	queue     []bus.Outgoing
}

// NewBaseChannel creates a BaseChannel claiming the given ChatId prefixes.
func NewBaseChannel(name string, msgBus *bus.MessageBus, prefixes []string) *BaseChannel {
	return &BaseChannel{
		name:     name,
		bus:      msgBus,
		prefixes: prefixes,
		limiter:  rate.NewLimiter(rate.Limit(1), 3), // 1 msg/s sustained, burst 3
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// Owns reports whether chatID falls under one of the claimed prefixes.
func (c *BaseChannel) Owns(chatID string) bool {
	for _, p := range c.prefixes {
		if strings.HasPrefix(chatID, p) {
			return true
		}
	}
	return false
}

// IsConnected reports the connected flag.
func (c *BaseChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected updates the connected flag.
func (c *BaseChannel) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// Enqueue appends an outgoing message to the offline queue.
func (c *BaseChannel) Enqueue(out bus.Outgoing) {
	c.mu.Lock()
	c.queue = append(c.queue, out)
	c.mu.Unlock()
}

// QueueLen returns the offline queue depth.
func (c *BaseChannel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Deliver implements the offline-queue send discipline around a raw
// transport send. Disconnected → enqueue; transport failure → re-enqueue.
// Always returns nil so callers upstream of the transport never block or
// fail on an outage.
func (c *BaseChannel) Deliver(ctx context.Context, out bus.Outgoing, send func(context.Context, bus.Outgoing) error) error {
	if !c.IsConnected() {
		c.Enqueue(out)
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.Enqueue(out)
		return nil
	}
	if err := send(ctx, out); err != nil {
		c.Enqueue(out)
		return nil
	}
	return nil
}

// Drain flushes the offline queue in FIFO order through send. Called by
// adapters after a successful connect. A failure stops the drain and puts
// the remainder back, preserving order.
func (c *BaseChannel) Drain(ctx context.Context, send func(context.Context, bus.Outgoing) error) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, out := range pending {
		if err := c.limiter.Wait(ctx); err == nil {
			err = send(ctx, out)
			if err == nil {
				continue
			}
		}
		c.mu.Lock()
		c.queue = append(pending[i:], c.queue...)
		c.mu.Unlock()
		return
	}
}

// HandleMessage normalizes the self-echo rule and publishes an inbound
// message. Messages authored by the bot identity are dropped here, at the
// channel boundary.
func (c *BaseChannel) HandleMessage(msg bus.Message) {
	if msg.IsSelf {
		return
	}
	c.bus.PublishInbound(msg)
}

// HandleMetadata publishes a chat metadata event.
func (c *BaseChannel) HandleMetadata(meta bus.ChatMetadata) {
	c.bus.PublishMetadata(meta)
}
