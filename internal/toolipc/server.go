package toolipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const sweepInterval = time.Second

// requestName matches the names RequestFilename produces. Anything else
// in a family directory — response files above all — is not a request
// and must never be consumed or unlinked by the sweeper.
var requestName = regexp.MustCompile(`^\d+-\d+\.json$`)

// Server sweeps the IPC tree and executes tool requests.
type Server struct {
	root     string
	handlers *Handlers

	watcher *fsnotify.Watcher
	watched map[string]bool

	mu  sync.Mutex
	bad map[string]bool // malformed files, logged once and left in place
}

// NewServer creates a sweeper over the IPC root.
func NewServer(root string, handlers *Handlers) *Server {
	return &Server{
		root:     root,
		handlers: handlers,
		watched:  make(map[string]bool),
		bad:      make(map[string]bool),
	}
}

// Run sweeps on a short interval until ctx is cancelled. fsnotify create
// events trigger an immediate extra sweep so synchronous tools answer
// well under the tick; the ticker remains the source of truth, so a lost
// event costs at most one interval.
func (s *Server) Run(ctx context.Context) {
	if w, err := fsnotify.NewWatcher(); err != nil {
		slog.Warn("ipc watcher unavailable, polling only", "error", err)
	} else {
		s.watcher = w
		defer w.Close()
	}

	s.Sweep()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if s.watcher != nil {
		events = s.watcher.Events
		errs = s.watcher.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(ev.Name, ".json") {
				s.Sweep()
			}
		case err := <-errs:
			slog.Warn("ipc watcher error", "error", err)
		}
	}
}

// Sweep processes every completed request file once, in lexicographic
// order within each directory.
func (s *Server) Sweep() {
	folders, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("ipc root unreadable", "error", err)
		}
		return
	}
	for _, folder := range folders {
		if !folder.IsDir() {
			continue
		}
		for _, family := range Families {
			dir := filepath.Join(s.root, folder.Name(), family)
			s.watchDir(dir)
			s.sweepDir(folder.Name(), dir)
		}
	}
}

func (s *Server) watchDir(dir string) {
	if s.watcher == nil || s.watched[dir] {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if err := s.watcher.Add(dir); err != nil {
		slog.Debug("ipc watch failed", "dir", dir, "error", err)
		return
	}
	s.watched[dir] = true
}

func (s *Server) sweepDir(folder, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // family dir not created yet
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !requestName.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s.processFile(folder, dir, name)
	}
}

func (s *Server) processFile(folder, dir, name string) {
	path := filepath.Join(dir, name)
	s.mu.Lock()
	skip := s.bad[path]
	s.mu.Unlock()
	if skip {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("ipc read failed", "file", name, "error", err)
		return
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		// Corrupt requests are kept for inspection; remembering them
		// keeps the log to one line per file.
		slog.Error("malformed ipc request left in place", "folder", folder, "file", name, "error", err)
		s.mu.Lock()
		s.bad[path] = true
		s.mu.Unlock()
		return
	}

	resp := s.handlers.Execute(folder, req)
	if validResponseName(req.ResponseFile) {
		out, err := json.Marshal(resp)
		if err == nil {
			err = writeAtomic(filepath.Join(dir, req.ResponseFile), out)
		}
		if err != nil {
			slog.Error("ipc response write failed", "folder", folder, "file", req.ResponseFile, "error", err)
		}
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("ipc unlink failed", "file", name, "error", err)
	}
}

// validResponseName accepts a bare filename that cannot collide with the
// sweeper: no path separators, no .tmp suffix, not shaped like a request.
func validResponseName(name string) bool {
	if name == "" || strings.HasSuffix(name, ".tmp") {
		return false
	}
	if filepath.Base(name) != name {
		return false
	}
	return !requestName.MatchString(name)
}
