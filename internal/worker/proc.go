package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	apologyText = "Sorry, something went wrong handling that. Please try again."
	killGrace   = 10 * time.Second
	// scanBuf bounds one stream event line.
	scanBuf = 1 << 20
)

// proc is one per-folder worker: a long-lived sandboxed child process plus
// the folder's FIFO turn queue. All fields below mu are guarded by it; the
// lock ordering is proc.mu → Pool.mu, never the reverse.
type proc struct {
	pool   *Pool
	folder string

	mu          sync.Mutex
	queue       []Turn
	current     *Turn
	sessionSlot string
	deadline    *time.Timer
	idle        *time.Timer
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	gen         int // process generation; stale read/wait loops bail out
	seq         int // turn sequence; stale deadline timers bail out
	alive       bool
	stopping    bool
	lastActive  time.Time
}

func newProc(p *Pool, folder string) *proc {
	return &proc{pool: p, folder: folder}
}

// enqueue appends a turn and starts it if the worker is free.
func (w *proc) enqueue(t Turn) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.startNextLocked()
	w.mu.Unlock()
}

// kick retries turn start for a worker whose spawn was deferred at
// capacity.
func (w *proc) kick() {
	w.mu.Lock()
	w.startNextLocked()
	w.mu.Unlock()
}

// startNextLocked begins the next queued turn if none is in flight.
// Caller holds w.mu.
func (w *proc) startNextLocked() {
	if w.current != nil || len(w.queue) == 0 {
		return
	}
	if !w.alive {
		if !w.pool.reserveSlot(w.folder) {
			return // stays pending; wakePending retries
		}
		if err := w.spawnLocked(); err != nil {
			slog.Error("worker spawn failed", "folder", w.folder, "error", err)
			w.pool.setStatus(w.folder, false, false)
			t := w.queue[0]
			w.queue = w.queue[1:]
			w.failTurn(&t)
			return
		}
	}

	t := w.queue[0]
	w.queue = w.queue[1:]
	w.current = &t
	w.sessionSlot = t.sessionSlot()
	if w.idle != nil {
		w.idle.Stop()
	}
	w.pool.setStatus(w.folder, true, false)

	sessionID, _ := w.pool.sessions.Session(w.folder, w.sessionSlot)
	req := turnRequest{Type: "turn", Prompt: t.Prompt, SessionID: sessionID}
	line, _ := json.Marshal(req)
	if _, err := w.stdin.Write(append(line, '\n')); err != nil {
		slog.Error("worker stdin write failed", "folder", w.folder, "error", err)
		w.terminateLocked()
		// waitLoop fails the turn and respawns for the remaining queue.
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = w.pool.cfg.TurnTimeout
	}
	if timeout < w.pool.cfg.MinTurnTimeout {
		timeout = w.pool.cfg.MinTurnTimeout
	}
	gen := w.gen
	w.seq++
	seq := w.seq
	w.deadline = time.AfterFunc(timeout, func() { w.onDeadline(gen, seq) })
}

// spawnLocked launches the sandboxed worker process. Caller holds w.mu.
func (w *proc) spawnLocked() error {
	cfg := w.pool.cfg
	if len(cfg.Command) == 0 {
		return fmt.Errorf("worker command not configured")
	}

	workDir := filepath.Join(cfg.WorkRoot, w.folder)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	ipcDir := filepath.Join(cfg.IPCRoot, w.folder)
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		return fmt.Errorf("ipc dir: %w", err)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = w.pool.workerEnv(w.folder, ipcDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	w.gen++
	w.cmd = cmd
	w.stdin = stdin
	w.alive = true
	w.stopping = false
	w.lastActive = time.Now()

	gen := w.gen
	go w.readLoop(stdout, gen)
	go w.logStderr(stderr)
	go w.waitLoop(cmd, gen)

	slog.Info("worker spawned", "folder", w.folder, "pid", cmd.Process.Pid)
	return nil
}

// workerEnv builds the child environment: a minimal passthrough plus the
// conversation's identity and capability flags. Host credentials are never
// propagated; only the configured whitelist crosses the boundary.
func (p *Pool) workerEnv(folder, ipcDir string) []string {
	env := make([]string, 0, 16)
	for _, key := range []string{"PATH", "HOME", "LANG", "TZ"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, p.cfg.ExtraEnv...)

	conv, hasConv := p.book.Representative(folder)
	isMain := folder == p.cfg.MainFolder

	env = append(env,
		"TALARIA_FOLDER="+folder,
		"TALARIA_IPC_DIR="+ipcDir,
		fmt.Sprintf("TALARIA_IS_MAIN=%t", isMain),
	)
	if hasConv {
		env = append(env,
			"TALARIA_CHAT_ID="+conv.ChatID,
			fmt.Sprintf("TALARIA_CAP_REMINDERS=%t", conv.Capabilities.Reminders),
			fmt.Sprintf("TALARIA_CAP_BOOKMARKS=%t", conv.Capabilities.Bookmarks),
			fmt.Sprintf("TALARIA_CAP_EMAIL=%t", conv.Capabilities.Email),
		)
		if conv.Container != nil {
			if len(conv.Container.Mounts) > 0 {
				env = append(env, "TALARIA_MOUNTS="+strings.Join(conv.Container.Mounts, ","))
			}
			for k, v := range conv.Container.Env {
				env = append(env, k+"="+v)
			}
		}
	}
	return env
}

// readLoop consumes the worker's line-delimited JSON event stream.
func (w *proc) readLoop(r io.Reader, gen int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBuf)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("worker stream parse error", "folder", w.folder, "error", err)
			continue
		}
		w.handleEvent(&ev, gen)
	}
}

func (w *proc) handleEvent(ev *StreamEvent, gen int) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	current := w.current
	slot := w.sessionSlot
	w.lastActive = time.Now()
	w.mu.Unlock()

	switch ev.Type {
	case EventSession:
		// Persisted immediately so a later crash still resumes.
		if ev.SessionID == "" {
			if err := w.pool.sessions.ClearSession(w.folder, slot); err != nil {
				slog.Error("session clear failed", "folder", w.folder, "error", err)
			}
			return
		}
		if err := w.pool.sessions.SetSession(w.folder, slot, ev.SessionID); err != nil {
			slog.Error("session persist failed", "folder", w.folder, "error", err)
		}

	case EventResult:
		if current == nil {
			return
		}
		text := StripInternal(ev.ResultText())
		if text == "" || current.ChatID == "" {
			return
		}
		w.pool.send(busOutgoing(current.ChatID, text))

	case EventDone:
		w.finishTurn(ev.IsError, gen)
	}
}

// finishTurn completes the in-flight turn and advances the queue.
func (w *proc) finishTurn(failed bool, gen int) {
	w.mu.Lock()
	if gen != w.gen || w.current == nil {
		w.mu.Unlock()
		return
	}
	if w.deadline != nil {
		w.deadline.Stop()
		w.deadline = nil
	}
	t := w.current
	w.current = nil
	w.lastActive = time.Now()

	if failed {
		w.failTurn(t)
	}
	if len(w.queue) > 0 {
		w.startNextLocked()
		w.mu.Unlock()
		return
	}

	// Idle: keep the worker warm for follow-ups and deferred tool IPC.
	w.pool.setStatus(w.folder, w.alive, true)
	if w.idle != nil {
		w.idle.Stop()
	}
	idleGen := w.gen
	w.idle = time.AfterFunc(w.pool.cfg.IdleTimeout, func() { w.reapIfIdle(idleGen) })
	w.mu.Unlock()

	w.pool.wakePending()
}

// failTurn sends the single apology for a failed turn. Caller holds w.mu
// (or the turn is already detached).
func (w *proc) failTurn(t *Turn) {
	if t.ChatID == "" {
		return
	}
	slog.Warn("turn failed", "folder", w.folder)
	w.pool.send(busOutgoing(t.ChatID, apologyText))
}

// onDeadline enforces the per-turn timeout: the worker is terminated and
// waitLoop fails the turn and respawns for whatever is still queued.
// The sequence check keeps a timer that raced with finishTurn from
// killing the following turn of the same process.
func (w *proc) onDeadline(gen, seq int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || seq != w.seq || w.current == nil {
		return
	}
	slog.Warn("turn deadline exceeded, terminating worker", "folder", w.folder)
	w.terminateLocked()
}

// waitLoop reaps the process and handles unexpected exits.
func (w *proc) waitLoop(cmd *exec.Cmd, gen int) {
	err := cmd.Wait()

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.alive = false
	w.stdin = nil
	w.cmd = nil
	wasStopping := w.stopping
	w.stopping = false

	if w.deadline != nil {
		w.deadline.Stop()
		w.deadline = nil
	}
	if w.current != nil {
		// A turn still in flight at process exit is a failure, whatever
		// the exit reason.
		t := w.current
		w.current = nil
		w.failTurn(t)
	}
	if err != nil && !wasStopping {
		slog.Warn("worker exited", "folder", w.folder, "error", err)
	} else {
		slog.Info("worker exited", "folder", w.folder)
	}

	w.pool.setStatus(w.folder, false, false)

	// Exit with queued turns (self-exit or deadline kill): respawn
	// immediately with the queue intact. Shutdown clears queues first.
	if len(w.queue) > 0 {
		w.startNextLocked()
	}
	w.mu.Unlock()

	w.pool.wakePending()
}

// reapIfIdle terminates a worker that outlived the idle window.
func (w *proc) reapIfIdle(gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || !w.alive || w.current != nil || len(w.queue) > 0 {
		return
	}
	slog.Info("reaping idle worker", "folder", w.folder)
	w.terminateLocked()
}

// evictIfIdle terminates the worker if it is idle, making room at pool
// capacity. Returns false when the worker raced into a turn.
func (w *proc) evictIfIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive || w.current != nil || len(w.queue) > 0 {
		return false
	}
	slog.Info("evicting idle worker", "folder", w.folder)
	w.terminateLocked()
	return true
}

// stop terminates the worker unconditionally (shutdown path).
func (w *proc) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = nil
	if w.alive {
		w.terminateLocked()
	}
}

// terminateLocked signals the process to exit, escalating to SIGKILL after
// a grace period. Caller holds w.mu; waitLoop finishes the cleanup.
func (w *proc) terminateLocked() {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	w.stopping = true
	process := w.cmd.Process
	if err := process.Signal(syscall.SIGTERM); err != nil {
		_ = process.Kill()
		return
	}
	time.AfterFunc(killGrace, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cmd != nil && w.cmd.Process == process {
			_ = process.Kill()
		}
	})
}

func (w *proc) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBuf)
	for scanner.Scan() {
		slog.Debug("worker stderr", "folder", w.folder, "line", scanner.Text())
	}
}
