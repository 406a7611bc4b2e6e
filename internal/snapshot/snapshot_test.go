package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/bus"
	"github.com/talaria-sh/talaria/internal/scheduler"
)

type stubTasks struct {
	byFolder map[string][]scheduler.Task
	all      []scheduler.Task
}

func (s stubTasks) Tasks(folder string) ([]scheduler.Task, error) {
	if folder == "" {
		return s.all, nil
	}
	return s.byFolder[folder], nil
}

type stubReminders struct {
	raw json.RawMessage
	err error
}

func (s stubReminders) List(context.Context) (json.RawMessage, error) {
	return s.raw, s.err
}

func newBook(t *testing.T, convs ...addrbook.Conversation) *addrbook.Store {
	t.Helper()
	book, err := addrbook.Open(filepath.Join(t.TempDir(), "book.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range convs {
		if err := book.Register(c); err != nil {
			t.Fatal(err)
		}
	}
	return book
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("%s: %v", path, err)
	}
}

func TestTaskFilteringPerFolder(t *testing.T) {
	ipcRoot := t.TempDir()
	book := newBook(t,
		addrbook.Conversation{ChatID: "sig:+1", Folder: "alice"},
		addrbook.Conversation{ChatID: "sig:+2", Folder: "main"},
	)
	aliceTask := scheduler.Task{ID: "t1", Folder: "alice", Prompt: "p", Kind: scheduler.KindOnce, Status: scheduler.StatusActive}
	bobTask := scheduler.Task{ID: "t2", Folder: "bob", Prompt: "p", Kind: scheduler.KindOnce, Status: scheduler.StatusActive}
	tasks := stubTasks{
		byFolder: map[string][]scheduler.Task{"alice": {aliceTask}},
		all:      []scheduler.Task{aliceTask, bobTask},
	}

	w := NewWriter(book, tasks, nil, nil, ipcRoot, "main")
	w.WriteAll()

	var aliceView []taskEntry
	readJSON(t, filepath.Join(ipcRoot, "alice", "current_tasks.json"), &aliceView)
	if len(aliceView) != 1 || aliceView[0].ID != "t1" {
		t.Errorf("alice sees %+v", aliceView)
	}

	var mainView []taskEntry
	readJSON(t, filepath.Join(ipcRoot, "main", "current_tasks.json"), &mainView)
	if len(mainView) != 2 {
		t.Errorf("main sees %d tasks, want 2", len(mainView))
	}
}

func TestGroupsSnapshotListsRegistered(t *testing.T) {
	ipcRoot := t.TempDir()
	book := newBook(t,
		addrbook.Conversation{ChatID: "sig:+1", Folder: "alice", Name: "Alice"},
		addrbook.Conversation{ChatID: "sig:group:g1", Folder: "family", Name: "Family"},
	)
	w := NewWriter(book, nil, nil, nil, ipcRoot, "main")
	w.WriteFolder("alice")

	var groups []groupEntry
	readJSON(t, filepath.Join(ipcRoot, "alice", "groups.json"), &groups)
	if len(groups) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestAvailableGroups(t *testing.T) {
	ipcRoot := t.TempDir()
	book := newBook(t)
	seen := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	groups := func() []bus.ChatMetadata {
		return []bus.ChatMetadata{{ChatID: "sig:group:g9", Name: "New Group", Timestamp: seen}}
	}
	w := NewWriter(book, nil, groups, nil, ipcRoot, "main")
	w.WriteFolder("main")

	var avail []availableEntry
	readJSON(t, filepath.Join(ipcRoot, "main", "available_groups.json"), &avail)
	if len(avail) != 1 || avail[0].ChatID != "sig:group:g9" {
		t.Errorf("available = %+v", avail)
	}
}

func TestReminderSnapshotKeptOnBridgeFailure(t *testing.T) {
	ipcRoot := t.TempDir()
	book := newBook(t)

	w := NewWriter(book, nil, nil, stubReminders{raw: json.RawMessage(`[{"title":"buy milk"}]`)}, ipcRoot, "main")
	w.RefreshReminders(context.Background())
	w.WriteFolder("main")

	path := filepath.Join(ipcRoot, "main", "reminders_snapshot.json")
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Bridge goes down: refresh keeps the previous listing.
	w.reminders = stubReminders{err: errors.New("bridge down")}
	w.RefreshReminders(context.Background())
	w.WriteFolder("main")

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Errorf("snapshot changed on bridge failure: %s → %s", before, after)
	}
}

func TestMainFolderAlwaysWritten(t *testing.T) {
	ipcRoot := t.TempDir()
	w := NewWriter(newBook(t), stubTasks{}, nil, nil, ipcRoot, "main")
	w.WriteAll()
	if _, err := os.Stat(filepath.Join(ipcRoot, "main", "current_tasks.json")); err != nil {
		t.Errorf("main snapshot missing: %v", err)
	}
}
