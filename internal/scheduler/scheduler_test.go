package scheduler

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/worker"
)

func TestValidate(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	tests := []struct {
		name    string
		kind    Kind
		value   string
		wantErr string // substring, empty means valid
	}{
		{"valid cron", KindCron, "0 9 * * 1-5", ""},
		{"invalid cron", KindCron, "every monday", "invalid cron"},
		{"valid interval", KindInterval, "300000", ""},
		{"zero interval", KindInterval, "0", "positive integer"},
		{"negative interval", KindInterval, "-5", "positive integer"},
		{"non-numeric interval", KindInterval, "5m", "positive integer"},
		{"valid once", KindOnce, "2026-12-01T09:00:00", ""},
		{"once short form", KindOnce, "2026-12-01 09:00", ""},
		{"once with Z", KindOnce, "2026-12-01T09:00:00Z", "without timezone suffix"},
		{"once with offset", KindOnce, "2026-12-01T09:00:00+02:00", "without timezone suffix"},
		{"unparseable once", KindOnce, "tomorrow at nine", "cannot parse"},
		{"unknown kind", Kind("weekly"), "x", "unknown schedule kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.kind, tt.value, now)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateOnceIsLocal(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	got, err := Validate(KindOnce, "2026-12-01T09:30:00", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 12, 1, 9, 30, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

type recordingPool struct {
	mu    sync.Mutex
	turns []struct {
		folder string
		turn   worker.Turn
	}
}

func (p *recordingPool) Enqueue(folder string, turn worker.Turn) {
	p.mu.Lock()
	p.turns = append(p.turns, struct {
		folder string
		turn   worker.Turn
	}{folder, turn})
	p.mu.Unlock()
}

type stubBook struct{}

func (stubBook) Representative(folder string) (addrbook.Conversation, bool) {
	return addrbook.Conversation{ChatID: "sig:+1", Folder: folder}, true
}

func newTestScheduler(t *testing.T) (*Scheduler, *Store, *recordingPool) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	pool := &recordingPool{}
	return New(store, pool, stubBook{}, "main", nil), store, pool
}

func TestScheduleAndFireOnce(t *testing.T) {
	s, store, pool := newTestScheduler(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return base }

	task, err := s.Schedule("alice", "water the plants", KindOnce, "2026-08-25T12:30:00", ContextInherit)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusActive {
		t.Fatalf("status = %s", task.Status)
	}

	// Not due yet.
	s.fireDue()
	if len(pool.turns) != 0 {
		t.Fatal("task fired early")
	}

	// Past the fire time: fires exactly once, then completed.
	s.now = func() time.Time { return base.Add(time.Hour) }
	s.fireDue()
	s.fireDue()
	if len(pool.turns) != 1 {
		t.Fatalf("fired %d times, want 1", len(pool.turns))
	}
	if pool.turns[0].folder != "alice" || pool.turns[0].turn.Prompt != "water the plants" {
		t.Errorf("turn = %+v", pool.turns[0])
	}
	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || !got.NextFire.IsZero() {
		t.Errorf("after fire: status=%s next=%v", got.Status, got.NextFire)
	}
}

func TestPastOnceCompletesWithoutFiring(t *testing.T) {
	s, _, pool := newTestScheduler(t)
	s.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local) }

	task, err := s.Schedule("alice", "too late", KindOnce, "2026-08-25T09:00:00", ContextInherit)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	s.fireDue()
	if len(pool.turns) != 0 {
		t.Error("past one-shot fired")
	}
}

func TestIntervalMissedWindowsFireOnce(t *testing.T) {
	s, store, pool := newTestScheduler(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return base }

	task, err := s.Schedule("alice", "ping", KindInterval, "60000", ContextInherit)
	if err != nil {
		t.Fatal(err)
	}

	// Ten windows missed: exactly one firing, next fire skips ahead of now.
	late := base.Add(10 * time.Minute)
	s.now = func() time.Time { return late }
	s.fireDue()
	if len(pool.turns) != 1 {
		t.Fatalf("fired %d times, want 1", len(pool.turns))
	}
	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextFire.After(late) {
		t.Errorf("next fire %v not after %v", got.NextFire, late)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %s", got.Status)
	}
}

func TestIsolatedContextSessionKey(t *testing.T) {
	s, _, pool := newTestScheduler(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return base }

	task, err := s.Schedule("alice", "digest", KindInterval, "1000", ContextIsolated)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(time.Minute) }
	s.fireDue()
	if len(pool.turns) != 1 {
		t.Fatal("task did not fire")
	}
	if want := "task:" + task.ID; pool.turns[0].turn.SessionKey != want {
		t.Errorf("session key = %q, want %q", pool.turns[0].turn.SessionKey, want)
	}
}

func TestScheduleRejectsUnknownContext(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local) }

	if _, err := s.Schedule("alice", "p", KindInterval, "1000", Context("bogus")); err == nil {
		t.Fatal("unknown context accepted")
	}
	// Empty context defaults to inherit.
	task, err := s.Schedule("alice", "p", KindInterval, "1000", "")
	if err != nil {
		t.Fatal(err)
	}
	if task.Context != ContextInherit {
		t.Errorf("context = %q", task.Context)
	}
}

// statusWatchPool records the task's persisted status at enqueue time.
type statusWatchPool struct {
	store    *Store
	statuses []Status
}

func (p *statusWatchPool) Enqueue(string, worker.Turn) {
	tasks, err := p.store.List("")
	if err == nil && len(tasks) == 1 {
		p.statuses = append(p.statuses, tasks[0].Status)
	}
}

func TestTaskIsRunningWhileFiring(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	pool := &statusWatchPool{store: store}
	s := New(store, pool, stubBook{}, "main", nil)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return base }

	task, err := s.Schedule("alice", "ping", KindInterval, "60000", ContextInherit)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(time.Minute) }
	s.fireDue()

	if len(pool.statuses) != 1 || pool.statuses[0] != StatusRunning {
		t.Errorf("status at enqueue = %v, want running", pool.statuses)
	}
	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive {
		t.Errorf("status after fire = %s, want active", got.Status)
	}
}

func TestRecoverRunningAfterCrash(t *testing.T) {
	_, store, _ := newTestScheduler(t)
	now := time.Now()

	recurring := Task{
		ID: "t-recurring", Prompt: "p", Kind: KindInterval, Value: "1000",
		Context: ContextInherit, Status: StatusRunning,
		NextFire: now.Add(time.Minute), Created: now,
	}
	spentOnce := Task{
		ID: "t-once", Prompt: "p", Kind: KindOnce, Value: "2026-01-01T00:00:00",
		Context: ContextInherit, Status: StatusRunning, Created: now,
	}
	for _, task := range []Task{recurring, spentOnce} {
		if err := store.Create(task); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.RecoverRunning()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("repaired %d tasks, want 2", n)
	}
	if got, _ := store.Get("t-recurring"); got.Status != StatusActive {
		t.Errorf("recurring status = %s, want active", got.Status)
	}
	if got, _ := store.Get("t-once"); got.Status != StatusCompleted {
		t.Errorf("once status = %s, want completed", got.Status)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	s, store, pool := newTestScheduler(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return base }

	task, err := s.Schedule("alice", "ping", KindInterval, "60000", ContextInherit)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Pause(task.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Pause(task.ID); err == nil {
		t.Error("pausing a paused task succeeded")
	}

	// Paused tasks never fire.
	s.now = func() time.Time { return base.Add(time.Hour) }
	s.fireDue()
	if len(pool.turns) != 0 {
		t.Fatal("paused task fired")
	}

	if err := s.Resume(task.ID); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Resume skips the missed hour instead of replaying it.
	if !got.NextFire.After(base.Add(time.Hour)) {
		t.Errorf("resume did not skip ahead: next=%v", got.NextFire)
	}

	if err := s.Cancel(task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(task.ID); err != ErrNotFound {
		t.Errorf("after cancel: %v", err)
	}
}

func TestMainScopeTaskRunsInMainFolder(t *testing.T) {
	s, _, pool := newTestScheduler(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return base }

	if _, err := s.Schedule("", "rotate logs", KindInterval, "1000", ContextInherit); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(time.Minute) }
	s.fireDue()
	if len(pool.turns) != 1 || pool.turns[0].folder != "main" {
		t.Fatalf("turns = %+v", pool.turns)
	}
}

func TestStoreListByFolder(t *testing.T) {
	_, store, _ := newTestScheduler(t)
	now := time.Now()
	for i, folder := range []string{"alice", "bob", "alice"} {
		err := store.Create(Task{
			ID: string(rune('a' + i)), Folder: folder, Prompt: "p",
			Kind: KindInterval, Value: "1000", Context: ContextInherit,
			Status: StatusActive, Created: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	alice, err := store.List("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 2 {
		t.Errorf("alice has %d tasks", len(alice))
	}
	all, err := store.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d tasks", len(all))
	}
}
