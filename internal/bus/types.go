package bus

import (
	"context"
	"time"
)

// Message is the normalized inbound message every transport projects into.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	IsSelf     bool      `json:"is_self,omitempty"`
	IsBot      bool      `json:"is_bot,omitempty"`
}

// Outgoing is a (ChatId, text) pair handed to the owning channel's send.
// SenderLabel, when present, is surfaced by transports that support
// per-bot identity (e.g. Slack username override).
type Outgoing struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	SenderLabel string `json:"sender_label,omitempty"`
}

// ChatMetadata is raised by channels when they learn about a chat without
// necessarily routing a message (group discovery, display names).
type ChatMetadata struct {
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name,omitempty"`
	Transport string    `json:"transport"`
	IsGroup   bool      `json:"is_group"`
}

// Router abstracts inbound/outbound message routing between channels and
// the dispatcher core.
type Router interface {
	PublishInbound(msg Message)
	ConsumeInbound(ctx context.Context) (Message, bool)
	PublishOutbound(out Outgoing)
	SubscribeOutbound(ctx context.Context) (Outgoing, bool)
}
