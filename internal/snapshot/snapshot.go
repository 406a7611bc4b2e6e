// Package snapshot materializes read-only JSON views of host state into
// each conversation's IPC directory, so workers get a point-in-time
// picture without a host round trip.
package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/bus"
	"github.com/talaria-sh/talaria/internal/scheduler"
)

const refreshInterval = 60 * time.Second

// TaskSource lists scheduled tasks, optionally filtered by folder.
type TaskSource interface {
	Tasks(folder string) ([]scheduler.Task, error)
}

// ReminderSource lists open reminders from the external bridge.
type ReminderSource interface {
	List(ctx context.Context) (json.RawMessage, error)
}

// Writer owns the snapshot files. All methods are safe for concurrent
// use; each file is replaced atomically.
type Writer struct {
	book       *addrbook.Store
	tasks      TaskSource
	groups     func() []bus.ChatMetadata // unregistered groups, may be nil
	reminders  ReminderSource            // may be nil
	ipcRoot    string
	mainFolder string

	mu            sync.Mutex
	remindersJSON json.RawMessage // last successful bridge listing
}

// NewWriter creates a snapshot writer.
func NewWriter(book *addrbook.Store, tasks TaskSource, groups func() []bus.ChatMetadata, reminders ReminderSource, ipcRoot, mainFolder string) *Writer {
	return &Writer{
		book:          book,
		tasks:         tasks,
		groups:        groups,
		reminders:     reminders,
		ipcRoot:       ipcRoot,
		mainFolder:    mainFolder,
		remindersJSON: json.RawMessage("[]"),
	}
}

// Run rewrites all snapshots periodically until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	w.RefreshReminders(ctx)
	w.WriteAll()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RefreshReminders(ctx)
			w.WriteAll()
		}
	}
}

// WriteAll rewrites every registered folder's snapshot files, plus the
// main folder's even when no conversation is registered there yet.
func (w *Writer) WriteAll() {
	folders := map[string]bool{w.mainFolder: true}
	for _, conv := range w.book.List() {
		folders[conv.Folder] = true
	}
	for folder := range folders {
		w.WriteFolder(folder)
	}
}

// WriteFolder rewrites one folder's snapshot files. Non-main folders see
// only their own tasks; main sees everything.
func (w *Writer) WriteFolder(folder string) {
	dir := filepath.Join(w.ipcRoot, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("snapshot dir create failed", "folder", folder, "error", err)
		return
	}

	w.writeGroups(dir)
	w.writeTasks(dir, folder)
	w.writeAvailableGroups(dir)
	w.writeReminders(dir)
}

// RefreshReminders pulls a fresh listing from the bridge and caches it.
// On bridge failure the previous snapshot is kept.
func (w *Writer) RefreshReminders(ctx context.Context) {
	if w.reminders == nil {
		return
	}
	raw, err := w.reminders.List(ctx)
	if err != nil {
		slog.Warn("reminders snapshot refresh failed", "error", err)
		return
	}
	w.mu.Lock()
	w.remindersJSON = raw
	w.mu.Unlock()
}

type groupEntry struct {
	ChatID     string    `json:"chat_id"`
	Name       string    `json:"name,omitempty"`
	Folder     string    `json:"folder"`
	LastActive time.Time `json:"last_active,omitempty"`
}

func (w *Writer) writeGroups(dir string) {
	convs := w.book.List()
	out := make([]groupEntry, 0, len(convs))
	for _, c := range convs {
		out = append(out, groupEntry{
			ChatID:     c.ChatID,
			Name:       c.Name,
			Folder:     c.Folder,
			LastActive: c.LastActive,
		})
	}
	writeJSON(filepath.Join(dir, "groups.json"), out)
}

type taskEntry struct {
	ID       string     `json:"id"`
	Folder   string     `json:"folder,omitempty"`
	Prompt   string     `json:"prompt"`
	Kind     string     `json:"kind"`
	Value    string     `json:"value"`
	Context  string     `json:"context"`
	Status   string     `json:"status"`
	NextFire *time.Time `json:"next_fire,omitempty"`
	LastFire *time.Time `json:"last_fire,omitempty"`
}

func (w *Writer) writeTasks(dir, folder string) {
	if w.tasks == nil {
		return
	}
	filter := folder
	if folder == w.mainFolder {
		filter = "" // main sees every folder's tasks
	}
	tasks, err := w.tasks.Tasks(filter)
	if err != nil {
		slog.Error("task snapshot query failed", "folder", folder, "error", err)
		return
	}
	out := make([]taskEntry, 0, len(tasks))
	for _, t := range tasks {
		e := taskEntry{
			ID: t.ID, Folder: t.Folder, Prompt: t.Prompt,
			Kind: string(t.Kind), Value: t.Value,
			Context: string(t.Context), Status: string(t.Status),
		}
		if !t.NextFire.IsZero() {
			nf := t.NextFire
			e.NextFire = &nf
		}
		if !t.LastFire.IsZero() {
			lf := t.LastFire
			e.LastFire = &lf
		}
		out = append(out, e)
	}
	writeJSON(filepath.Join(dir, "current_tasks.json"), out)
}

type availableEntry struct {
	ChatID string    `json:"chat_id"`
	Name   string    `json:"name,omitempty"`
	Seen   time.Time `json:"seen"`
}

func (w *Writer) writeAvailableGroups(dir string) {
	if w.groups == nil {
		return
	}
	metas := w.groups()
	out := make([]availableEntry, 0, len(metas))
	for _, m := range metas {
		out = append(out, availableEntry{ChatID: m.ChatID, Name: m.Name, Seen: m.Timestamp})
	}
	writeJSON(filepath.Join(dir, "available_groups.json"), out)
}

func (w *Writer) writeReminders(dir string) {
	if w.reminders == nil {
		return
	}
	w.mu.Lock()
	raw := w.remindersJSON
	w.mu.Unlock()
	writeRaw(filepath.Join(dir, "reminders_snapshot.json"), raw)
}

func writeJSON(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("snapshot marshal failed", "path", path, "error", err)
		return
	}
	writeRaw(path, data)
}

// writeRaw replaces path atomically so workers never read a torn file.
func writeRaw(path string, data []byte) {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("snapshot write failed", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("snapshot rename failed", "path", path, "error", err)
	}
}
