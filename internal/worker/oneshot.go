package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// RunOnce spawns a detached worker for one prompt and resolves on the
// first streamed result. It bypasses the per-folder queue entirely; the
// voice HTTP endpoint is its only caller. The session for (folder,
// purpose) is still persisted and reused across calls.
func (p *Pool) RunOnce(ctx context.Context, folder, purpose, prompt string) (string, error) {
	cfg := p.cfg
	if len(cfg.Command) == 0 {
		return "", fmt.Errorf("worker command not configured")
	}

	workDir := filepath.Join(cfg.WorkRoot, folder)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("workdir: %w", err)
	}
	ipcDir := filepath.Join(cfg.IPCRoot, folder)
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		return "", fmt.Errorf("ipc dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = p.workerEnv(folder, ipcDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	sessionID, _ := p.sessions.Session(folder, purpose)
	req := turnRequest{Type: "turn", Prompt: prompt, SessionID: sessionID}
	line, _ := json.Marshal(req)
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("worker stdin: %w", err)
	}

	type outcome struct {
		text string
		err  error
	}
	results := make(chan outcome, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scanBuf)
		for scanner.Scan() {
			var ev StreamEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				slog.Warn("worker stream parse error", "folder", folder, "error", err)
				continue
			}
			switch ev.Type {
			case EventSession:
				if ev.SessionID != "" {
					if err := p.sessions.SetSession(folder, purpose, ev.SessionID); err != nil {
						slog.Error("session persist failed", "folder", folder, "error", err)
					}
				}
			case EventResult:
				if text := StripInternal(ev.ResultText()); text != "" {
					results <- outcome{text: text}
					return
				}
			case EventDone:
				if ev.IsError {
					results <- outcome{err: fmt.Errorf("worker failed: %s", ev.Error)}
				} else {
					results <- outcome{err: fmt.Errorf("worker produced no result")}
				}
				return
			}
		}
		results <- outcome{err: fmt.Errorf("worker stream closed without result")}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-results:
		return out.text, out.err
	}
}
