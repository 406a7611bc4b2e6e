package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/talaria-sh/talaria/internal/bus"
)

// fakeTransport records raw sends and can be flipped between failing and
// succeeding, standing in for a real transport.
type fakeTransport struct {
	sent []bus.Outgoing
	fail bool
}

func (f *fakeTransport) send(_ context.Context, out bus.Outgoing) error {
	if f.fail {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, out)
	return nil
}

func TestOfflineQueueDrainsFIFO(t *testing.T) {
	base := NewBaseChannel("test", bus.New(), []string{"sig:"})
	transport := &fakeTransport{}
	ctx := context.Background()

	// Disconnected: three sends queue up, nothing reaches the transport.
	for _, text := range []string{"A", "B", "C"} {
		if err := base.Deliver(ctx, bus.Outgoing{ChatID: "sig:+1", Text: text}, transport.send); err != nil {
			t.Fatalf("Deliver returned %v while disconnected", err)
		}
	}
	if len(transport.sent) != 0 {
		t.Fatalf("transport saw %d sends while disconnected", len(transport.sent))
	}
	if base.QueueLen() != 3 {
		t.Fatalf("queue depth = %d, want 3", base.QueueLen())
	}

	// Reconnect: exactly three messages, in order A,B,C.
	base.SetConnected(true)
	base.Drain(ctx, transport.send)
	if len(transport.sent) != 3 {
		t.Fatalf("transport saw %d sends after drain, want 3", len(transport.sent))
	}
	for i, want := range []string{"A", "B", "C"} {
		if transport.sent[i].Text != want {
			t.Errorf("sent[%d] = %q, want %q", i, transport.sent[i].Text, want)
		}
	}
	if base.QueueLen() != 0 {
		t.Errorf("queue not empty after drain: %d", base.QueueLen())
	}
}

func TestSendFailureReenqueuesWithoutError(t *testing.T) {
	base := NewBaseChannel("test", bus.New(), []string{"sig:"})
	base.SetConnected(true)
	transport := &fakeTransport{fail: true}
	ctx := context.Background()

	if err := base.Deliver(ctx, bus.Outgoing{ChatID: "sig:+1", Text: "hello"}, transport.send); err != nil {
		t.Fatalf("Deliver surfaced transport error: %v", err)
	}
	if base.QueueLen() != 1 {
		t.Fatalf("failed send not re-enqueued, queue = %d", base.QueueLen())
	}

	transport.fail = false
	base.Drain(ctx, transport.send)
	if len(transport.sent) != 1 || transport.sent[0].Text != "hello" {
		t.Errorf("message lost after recovery: %+v", transport.sent)
	}
}

func TestDrainStopsOnFailurePreservingOrder(t *testing.T) {
	base := NewBaseChannel("test", bus.New(), []string{"sig:"})
	transport := &fakeTransport{fail: true}
	ctx := context.Background()

	for _, text := range []string{"A", "B"} {
		base.Enqueue(bus.Outgoing{ChatID: "sig:+1", Text: text})
	}
	base.SetConnected(true)
	base.Drain(ctx, transport.send)
	if base.QueueLen() != 2 {
		t.Fatalf("queue = %d after failed drain, want 2", base.QueueLen())
	}

	transport.fail = false
	base.Drain(ctx, transport.send)
	if len(transport.sent) != 2 || transport.sent[0].Text != "A" || transport.sent[1].Text != "B" {
		t.Errorf("order lost: %+v", transport.sent)
	}
}

func TestOwns(t *testing.T) {
	base := NewBaseChannel("slack:cit", bus.New(), []string{"slack:cit:"})
	if !base.Owns("slack:cit:channel:C1") {
		t.Error("namespaced claim rejected own id")
	}
	if base.Owns("slack:U123") {
		t.Error("namespaced claim grabbed default-namespace id")
	}
}

func TestSelfEchoDroppedAtBoundary(t *testing.T) {
	b := bus.New()
	base := NewBaseChannel("test", b, []string{"sig:"})
	base.HandleMessage(bus.Message{ChatID: "sig:+1", Text: "echo", IsSelf: true})
	base.HandleMessage(bus.Message{ChatID: "sig:+1", Text: "real"})

	ctx, cancel := context.WithCancel(context.Background())
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Text != "real" {
		t.Fatalf("got %+v, ok=%v", msg, ok)
	}
	cancel()
	if msg, ok := b.ConsumeInbound(ctx); ok {
		t.Errorf("self-echo leaked: %+v", msg)
	}
}

func TestRegistryRoutesFirstClaimant(t *testing.T) {
	b := bus.New()
	r := NewRegistry(b)
	sig := &stubChannel{BaseChannel: NewBaseChannel("signal", b, []string{"sig:"})}
	slack := &stubChannel{BaseChannel: NewBaseChannel("slack", b, []string{"slack:"})}
	r.Register(sig)
	r.Register(slack)

	ch, ok := r.Route("slack:U1")
	if !ok || ch.Name() != "slack" {
		t.Errorf("Route(slack:U1) = %v, %v", ch, ok)
	}
	if _, ok := r.Route("irc:#x"); ok {
		t.Error("unclaimed id routed")
	}
}

type stubChannel struct {
	*BaseChannel
}

func (s *stubChannel) Connect(context.Context) error    { s.SetConnected(true); return nil }
func (s *stubChannel) Disconnect(context.Context) error { s.SetConnected(false); return nil }
func (s *stubChannel) Send(ctx context.Context, out bus.Outgoing) error {
	return s.Deliver(ctx, out, func(context.Context, bus.Outgoing) error { return nil })
}
