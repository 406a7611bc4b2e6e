package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/talaria-sh/talaria/internal/bus"
)

// Registry holds the registered channels in registration order and routes
// outbound sends through the first channel claiming the ChatId. Claims are
// expected to be disjoint; namespaced instances of the same transport
// disambiguate via their injected prefix.
type Registry struct {
	mu       sync.RWMutex
	ordered  []Channel
	bus      *bus.MessageBus
	dispatch context.CancelFunc
}

// NewRegistry creates an empty channel registry.
func NewRegistry(msgBus *bus.MessageBus) *Registry {
	return &Registry{bus: msgBus}
}

// Register appends a channel. Registration order is routing order.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = append(r.ordered, ch)
}

// Route returns the first registered channel that claims chatID.
func (r *Registry) Route(chatID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.ordered {
		if ch.Owns(chatID) {
			return ch, true
		}
	}
	return nil, false
}

// StartAll connects every channel and starts the outbound dispatch loop.
// A channel that fails to connect stays registered; its reconnect loop and
// offline queue carry it until the transport comes back.
func (r *Registry) StartAll(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.dispatch = cancel
	chs := append([]Channel(nil), r.ordered...)
	r.mu.Unlock()

	go r.dispatchOutbound(dispatchCtx)

	if len(chs) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for _, ch := range chs {
		slog.Info("starting channel", "channel", ch.Name())
		if err := ch.Connect(ctx); err != nil {
			slog.Error("failed to start channel", "channel", ch.Name(), "error", err)
		}
	}
	return nil
}

// StopAll disconnects every channel and stops the dispatch loop.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	if r.dispatch != nil {
		r.dispatch()
		r.dispatch = nil
	}
	chs := append([]Channel(nil), r.ordered...)
	r.mu.Unlock()

	for _, ch := range chs {
		slog.Info("stopping channel", "channel", ch.Name())
		if err := ch.Disconnect(ctx); err != nil {
			slog.Error("error stopping channel", "channel", ch.Name(), "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outgoing sends from the bus and hands each to
// its owning channel, preserving hand-off order per channel.
func (r *Registry) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		out, ok := r.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		ch, found := r.Route(out.ChatID)
		if !found {
			slog.Warn("no channel claims outbound chat id", "transport", transportOf(out.ChatID))
			continue
		}
		if err := ch.Send(ctx, out); err != nil {
			slog.Error("error sending to channel", "channel", ch.Name(), "error", err)
		}
	}
}

func transportOf(chatID string) string {
	for i := 0; i < len(chatID); i++ {
		if chatID[i] == ':' {
			return chatID[:i]
		}
	}
	return chatID
}
