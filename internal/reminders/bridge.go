// Package reminders bridges to the host's reminders app through a
// line-oriented helper subprocess: one JSON request line on stdin, one
// JSON response line on stdout. The helper owns all platform specifics;
// this side only frames requests and enforces timeouts.
package reminders

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const callTimeout = 30 * time.Second

// Bridge serializes calls to the helper subprocess. The helper is spawned
// lazily and respawned after any failure.
type Bridge struct {
	command []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Reader
}

// NewBridge creates a bridge for the given helper command line.
func NewBridge(command []string) *Bridge {
	return &Bridge{command: command}
}

// List returns all open reminders.
func (b *Bridge) List(ctx context.Context) (json.RawMessage, error) {
	return b.call(ctx, map[string]any{"action": "list"})
}

// Create adds a reminder. due may be empty for an undated reminder.
func (b *Bridge) Create(ctx context.Context, title, due, notes string) (json.RawMessage, error) {
	req := map[string]any{"action": "create", "title": title}
	if due != "" {
		req["due"] = due
	}
	if notes != "" {
		req["notes"] = notes
	}
	return b.call(ctx, req)
}

// Complete marks a reminder done by id.
func (b *Bridge) Complete(ctx context.Context, id string) (json.RawMessage, error) {
	return b.call(ctx, map[string]any{"action": "complete", "id": id})
}

// Update rewrites fields of an existing reminder. fields must already be
// helper-shaped; unknown keys are the helper's problem.
func (b *Bridge) Update(ctx context.Context, id string, fields map[string]any) (json.RawMessage, error) {
	req := map[string]any{"action": "update", "id": id}
	for k, v := range fields {
		req[k] = v
	}
	return b.call(ctx, req)
}

// Close terminates the helper if it is running.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
}

// call writes one request line and reads one response line, holding the
// bridge lock for the whole exchange. On any framing or process error the
// helper is torn down so the next call starts fresh.
func (b *Bridge) call(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	if len(b.command) == 0 {
		return nil, fmt.Errorf("reminders bridge not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(); err != nil {
		return nil, err
	}

	type lineResult struct {
		raw []byte
		err error
	}
	done := make(chan lineResult, 1)
	go func() {
		if err := b.stdin.Encode(req); err != nil {
			done <- lineResult{err: fmt.Errorf("bridge write: %w", err)}
			return
		}
		line, err := b.stdout.ReadBytes('\n')
		if err != nil {
			done <- lineResult{err: fmt.Errorf("bridge read: %w", err)}
			return
		}
		done <- lineResult{raw: line}
	}()

	select {
	case <-ctx.Done():
		b.teardownLocked()
		return nil, fmt.Errorf("reminders bridge timed out")
	case res := <-done:
		if res.err != nil {
			b.teardownLocked()
			return nil, res.err
		}
		if !json.Valid(res.raw) {
			b.teardownLocked()
			return nil, fmt.Errorf("reminders bridge returned invalid JSON")
		}
		return json.RawMessage(res.raw), nil
	}
}

func (b *Bridge) ensureLocked() error {
	if b.cmd != nil {
		return nil
	}
	cmd := exec.Command(b.command[0], b.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start reminders bridge: %w", err)
	}
	slog.Debug("reminders bridge started", "pid", cmd.Process.Pid)
	b.cmd = cmd
	b.stdin = json.NewEncoder(stdin)
	b.stdout = bufio.NewReader(stdout)
	return nil
}

func (b *Bridge) teardownLocked() {
	if b.cmd == nil {
		return
	}
	_ = b.cmd.Process.Kill()
	_ = b.cmd.Wait()
	b.cmd, b.stdin, b.stdout = nil, nil, nil
}
