// Package router filters inbound messages against Address Book state and
// dispatches accepted ones into the worker pool. It is a pure decision
// table; everything stateful lives in the address book or the pool.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/bus"
	"github.com/talaria-sh/talaria/internal/chatid"
	"github.com/talaria-sh/talaria/internal/worker"
)

// dedupWindow is how long a message id is remembered. Re-delivery of the
// same id inside the window is a no-op.
const dedupWindow = 5 * time.Minute

// Enqueuer is the slice of the worker pool the router needs.
type Enqueuer interface {
	Enqueue(folder string, turn worker.Turn)
}

// AutoRegisterPolicy controls whether unknown senders on one transport are
// registered on first contact.
type AutoRegisterPolicy struct {
	Enabled         bool
	FolderPrefix    string // template slug prefix for generated folders
	Trigger         string
	RequiresTrigger bool
	Capabilities    addrbook.Capabilities
}

// Router implements the inbound decision table.
type Router struct {
	book     *addrbook.Store
	pool     Enqueuer
	policies map[string]AutoRegisterPolicy // keyed by transport tag

	mu        sync.Mutex
	triggers  map[string]*regexp.Regexp // trigger string → compiled gate
	seen      map[string]time.Time      // message id → first seen
	lastPrune time.Time

	groupsMu   sync.Mutex
	seenGroups map[string]bus.ChatMetadata // unregistered group chats, for snapshots
}

// New creates a router over the address book and worker pool.
func New(book *addrbook.Store, pool Enqueuer, policies map[string]AutoRegisterPolicy) *Router {
	return &Router{
		book:       book,
		pool:       pool,
		policies:   policies,
		triggers:   make(map[string]*regexp.Regexp),
		seen:       make(map[string]time.Time),
		seenGroups: make(map[string]bus.ChatMetadata),
	}
}

// Run consumes inbound messages and metadata until ctx is cancelled.
func (r *Router) Run(ctx context.Context, b *bus.MessageBus) {
	go func() {
		for {
			meta, ok := b.ConsumeMetadata(ctx)
			if !ok {
				return
			}
			r.HandleMetadata(meta)
		}
	}()
	for {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			return
		}
		r.Handle(msg)
	}
}

// Handle runs one message through the decision table. Exactly one turn is
// enqueued for every accepted message.
func (r *Router) Handle(msg bus.Message) {
	if msg.IsSelf {
		return
	}
	if r.isDuplicate(msg.ID) {
		slog.Debug("duplicate message dropped", "transport", chatid.Transport(msg.ChatID))
		return
	}

	conv, known := r.book.Get(msg.ChatID)
	if !known {
		policy, ok := r.policies[chatid.Transport(msg.ChatID)]
		if !ok || !policy.Enabled {
			slog.Debug("unknown sender dropped", "transport", chatid.Transport(msg.ChatID))
			return
		}
		registered, err := r.autoRegister(msg, policy)
		if err != nil {
			slog.Error("auto-registration failed", "error", err)
			return
		}
		conv = registered
	}

	// A leading bot mention is always stripped from the prompt; it only
	// gates delivery when the conversation requires it. Conversations
	// without a trigger of their own strip against the transport policy's
	// bot identity, so a mention never reaches the worker either way.
	trigger := conv.Trigger
	if trigger == "" {
		if policy, ok := r.policies[chatid.Transport(msg.ChatID)]; ok {
			trigger = policy.Trigger
		}
	}
	text := msg.Text
	if stripped, ok := r.matchTrigger(trigger, text); ok {
		text = stripped
	} else if conv.RequiresTrigger {
		return
	}

	if err := r.book.UpdateLastSeen(msg.ChatID, msg.Timestamp); err != nil {
		slog.Warn("last-seen update failed", "error", err)
	}

	r.pool.Enqueue(conv.Folder, worker.Turn{
		Prompt:  text,
		ChatID:  msg.ChatID,
		Purpose: addrbook.PurposeChat,
	})
}

// HandleMetadata records group chats the transports have seen, so the
// snapshot writer can expose them as available for registration.
func (r *Router) HandleMetadata(meta bus.ChatMetadata) {
	if !meta.IsGroup {
		return
	}
	if _, registered := r.book.Get(meta.ChatID); registered {
		return
	}
	r.groupsMu.Lock()
	existing, ok := r.seenGroups[meta.ChatID]
	if !ok || (meta.Name != "" && existing.Name == "") || meta.Timestamp.After(existing.Timestamp) {
		if meta.Name == "" && existing.Name != "" {
			meta.Name = existing.Name
		}
		r.seenGroups[meta.ChatID] = meta
	}
	r.groupsMu.Unlock()
}

// AvailableGroups returns the group chats seen on the transports that are
// not registered yet.
func (r *Router) AvailableGroups() []bus.ChatMetadata {
	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	out := make([]bus.ChatMetadata, 0, len(r.seenGroups))
	for id, meta := range r.seenGroups {
		if _, registered := r.book.Get(id); registered {
			continue
		}
		out = append(out, meta)
	}
	return out
}

// matchTrigger applies the case-insensitive `^@<trigger>\b` gate and
// returns the text with the matched prefix stripped. The regex is compiled
// once per trigger string.
func (r *Router) matchTrigger(trigger, text string) (string, bool) {
	if trigger == "" {
		return text, true
	}
	r.mu.Lock()
	re, ok := r.triggers[trigger]
	if !ok {
		re = regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(trigger) + `\b`)
		r.triggers[trigger] = re
	}
	r.mu.Unlock()

	loc := re.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	return strings.TrimLeft(text[loc[1]:], " \t"), true
}

func (r *Router) autoRegister(msg bus.Message, policy AutoRegisterPolicy) (addrbook.Conversation, error) {
	conv := addrbook.Conversation{
		ChatID:          msg.ChatID,
		Name:            msg.SenderName,
		Folder:          Slug(policy.FolderPrefix, msg.ChatID),
		Trigger:         policy.Trigger,
		RequiresTrigger: policy.RequiresTrigger,
		Capabilities:    policy.Capabilities,
		Created:         time.Now(),
	}
	if err := r.book.Register(conv); err != nil {
		return addrbook.Conversation{}, err
	}
	slog.Info("auto-registered conversation", "folder", conv.Folder, "transport", chatid.Transport(msg.ChatID))
	return conv, nil
}

// isDuplicate remembers message ids for the dedup window.
func (r *Router) isDuplicate(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastPrune) > dedupWindow {
		for k, t := range r.seen {
			if now.Sub(t) > dedupWindow {
				delete(r.seen, k)
			}
		}
		r.lastPrune = now
	}

	if t, ok := r.seen[id]; ok && now.Sub(t) <= dedupWindow {
		return true
	}
	r.seen[id] = now
	return false
}

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a filesystem-safe folder name from a chat id, with an
// optional template prefix.
func Slug(prefix, chatID string) string {
	s := slugCleaner.ReplaceAllString(strings.ToLower(chatID), "-")
	s = strings.Trim(s, "-")
	if prefix != "" {
		s = fmt.Sprintf("%s-%s", strings.Trim(prefix, "-"), s)
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
