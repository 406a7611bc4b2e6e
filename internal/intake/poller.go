package intake

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const defaultPollInterval = 5 * time.Minute

// Relay is the bookmark relay surface the poller needs.
type Relay interface {
	Save(ctx context.Context, url string) (json.RawMessage, error)
}

// Poller forwards URLs from matching mail into the bookmark relay.
type Poller struct {
	mail     Mailbox
	relay    Relay
	from     string // sender filter
	label    string // processed marker
	interval time.Duration
}

// NewPoller creates a mail-to-bookmark poller.
func NewPoller(mail Mailbox, relay Relay, from, label string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{mail: mail, relay: relay, from: from, label: label, interval: interval}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.Poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass. A message is labeled and archived only after every
// one of its URLs has been relayed; any relay failure leaves the message
// untouched so the next pass retries the whole message.
func (p *Poller) Poll(ctx context.Context) {
	msgs, err := p.mail.Search(ctx, p.from, p.label)
	if err != nil {
		slog.Warn("mail search failed", "error", err)
		return
	}
	for _, msg := range msgs {
		p.processMessage(ctx, msg)
	}
}

func (p *Poller) processMessage(ctx context.Context, msg MailMessage) {
	urls := ExtractURLs(msg.Subject + "\n" + msg.Body)
	for _, u := range urls {
		if _, err := p.relay.Save(ctx, u); err != nil {
			slog.Warn("bookmark relay failed, message left for retry", "mail", msg.ID, "error", err)
			return
		}
		slog.Info("mail url bookmarked", "mail", msg.ID)
	}
	if err := p.mail.MarkProcessed(ctx, msg.ID, p.label); err != nil {
		// Worst case the URLs are relayed again next pass; the relay
		// deduplicates by URL.
		slog.Warn("mail labeling failed", "mail", msg.ID, "error", err)
	}
}
