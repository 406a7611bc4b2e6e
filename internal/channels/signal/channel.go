// Package signal adapts the phone-level messenger reached through a local
// JSON-RPC daemon. It is a poll transport: one single-flight receive every
// couple of seconds with a short server-side wait.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/talaria-sh/talaria/internal/bus"
	"github.com/talaria-sh/talaria/internal/channels"
	"github.com/talaria-sh/talaria/internal/chatid"
)

// Options configure the signal channel.
type Options struct {
	RPCURL         string        // local daemon endpoint
	PollInterval   time.Duration // default 2s
	ReceiveTimeout time.Duration // server-side wait, default 1s
}

// Channel is the Signal adapter. It claims the "sig:" prefix.
type Channel struct {
	*channels.BaseChannel
	rpc     *rpcClient
	opts    Options
	polling atomic.Bool // single-flight guard; overlapping polls coalesce
	cancel  context.CancelFunc
}

// New creates the signal channel.
func New(opts Options, msgBus *bus.MessageBus) (*Channel, error) {
	if opts.RPCURL == "" {
		return nil, fmt.Errorf("signal: rpc_url is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = time.Second
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("signal", msgBus, []string{chatid.TransportSignal + ":"}),
		rpc:         newRPCClient(opts.RPCURL, opts.PollInterval+opts.ReceiveTimeout+5*time.Second),
		opts:        opts,
	}, nil
}

// Connect probes the daemon and starts the poll loop. A failed probe does
// not abort: the poll loop keeps retrying and the offline queue holds
// outbound messages meanwhile.
func (c *Channel) Connect(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if version, err := c.rpc.Version(ctx); err != nil {
		slog.Warn("signal daemon not reachable, will retry", "error", err)
	} else {
		slog.Info("signal daemon connected", "version", version)
		c.SetConnected(true)
	}

	go c.pollLoop(pollCtx)
	return nil
}

// Disconnect stops the poll loop.
func (c *Channel) Disconnect(context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetConnected(false)
	return nil
}

// Send delivers an outgoing message, queueing while the daemon is down.
func (c *Channel) Send(ctx context.Context, out bus.Outgoing) error {
	return c.Deliver(ctx, out, c.rawSend)
}

func (c *Channel) rawSend(ctx context.Context, out bus.Outgoing) error {
	recipient, groupID, ok := chatid.SignalAddress(out.ChatID)
	if !ok {
		return fmt.Errorf("signal: malformed chat id")
	}
	text := out.Text
	if out.SenderLabel != "" {
		// Signal has no per-bot identity; fold the label into the text.
		text = out.SenderLabel + ": " + text
	}
	if groupID != "" {
		return c.rpc.SendGroup(ctx, groupID, text)
	}
	return c.rpc.SendDirect(ctx, recipient, text)
}

// pollLoop issues one receive per tick. The polling flag coalesces
// overlapping attempts: if a slow receive is still in flight when the next
// tick fires, the tick is skipped.
func (c *Channel) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.polling.CompareAndSwap(false, true) {
				continue
			}
			c.pollOnce(ctx)
			c.polling.Store(false)
		}
	}
}

func (c *Channel) pollOnce(ctx context.Context) {
	envelopes, err := c.rpc.Receive(ctx, c.opts.ReceiveTimeout)
	if err != nil {
		if c.IsConnected() {
			slog.Warn("signal receive failed, marking disconnected", "error", err)
			c.SetConnected(false)
		}
		return
	}

	if !c.IsConnected() {
		slog.Info("signal daemon reachable again, draining queue")
		c.SetConnected(true)
		c.Drain(ctx, c.rawSend)
	}

	for _, wrapper := range envelopes {
		c.handleEnvelope(wrapper.Envelope)
	}
}

// handleEnvelope projects one daemon envelope into the normalized message
// shape. Receipts, typing indicators and other envelopes without new text
// are dropped; sync messages are the bot's own sends and count as
// self-echoes.
func (c *Channel) handleEnvelope(env envelope) {
	if env.SyncMessage != nil {
		if dm := env.SyncMessage.SentMessage; dm != nil && dm.Message != "" {
			c.HandleMessage(bus.Message{
				ChatID: envelopeChatID(env.Source, dm),
				Text:   dm.Message,
				IsSelf: true,
			})
		}
		return
	}

	dm := env.DataMessage
	if dm == nil || dm.Message == "" {
		return
	}

	ts := time.UnixMilli(env.Timestamp)
	id := fmt.Sprintf("%s:%d", env.Source, env.Timestamp)
	chatID := envelopeChatID(env.Source, dm)

	text := dm.Message
	if dm.GroupInfo != nil {
		c.HandleMetadata(bus.ChatMetadata{
			ChatID:    chatID,
			Timestamp: ts,
			Name:      dm.GroupInfo.Name,
			Transport: chatid.TransportSignal,
			IsGroup:   true,
		})
	} else {
		c.HandleMetadata(bus.ChatMetadata{
			ChatID:    chatID,
			Timestamp: ts,
			Name:      env.SourceName,
			Transport: chatid.TransportSignal,
		})
	}

	c.HandleMessage(bus.Message{
		ID:         id,
		ChatID:     chatID,
		SenderID:   env.Source,
		SenderName: env.SourceName,
		Text:       text,
		Timestamp:  ts,
	})
}

func envelopeChatID(source string, dm *dataMessage) string {
	if dm != nil && dm.GroupInfo != nil {
		return chatid.SignalGroup(dm.GroupInfo.GroupID)
	}
	return chatid.Signal(source)
}
