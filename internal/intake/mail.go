package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// MailMessage is one inbox message as reported by the mail CLI.
type MailMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailbox is the mail surface the poller needs.
type Mailbox interface {
	// Search lists messages from the given sender that lack the label.
	Search(ctx context.Context, from, withoutLabel string) ([]MailMessage, error)
	// MarkProcessed adds the label and archives the message.
	MarkProcessed(ctx context.Context, id, label string) error
}

// MailCLI shells out to a mail command-line tool with JSON output.
type MailCLI struct {
	command []string
}

// NewMailCLI wraps the given base command.
func NewMailCLI(command []string) *MailCLI {
	return &MailCLI{command: command}
}

func (m *MailCLI) run(ctx context.Context, args ...string) ([]byte, error) {
	if len(m.command) == 0 {
		return nil, fmt.Errorf("mail command not configured")
	}
	full := append(append([]string{}, m.command[1:]...), args...)
	out, err := exec.CommandContext(ctx, m.command[0], full...).Output()
	if err != nil {
		return nil, fmt.Errorf("mail cli %v: %w", args, err)
	}
	return out, nil
}

func (m *MailCLI) Search(ctx context.Context, from, withoutLabel string) ([]MailMessage, error) {
	out, err := m.run(ctx, "search", "--from", from, "--without-label", withoutLabel, "--json")
	if err != nil {
		return nil, err
	}
	var msgs []MailMessage
	if err := json.Unmarshal(out, &msgs); err != nil {
		return nil, fmt.Errorf("mail cli output: %w", err)
	}
	return msgs, nil
}

func (m *MailCLI) MarkProcessed(ctx context.Context, id, label string) error {
	if _, err := m.run(ctx, "label", "add", id, label); err != nil {
		return err
	}
	_, err := m.run(ctx, "archive", id)
	return err
}
