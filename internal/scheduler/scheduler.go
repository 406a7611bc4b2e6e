package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/worker"
)

// defaultTick is the firing resolution. Schedules are minute-grained, so
// a coarse loop is enough; a missed tick just fires on the next one.
const defaultTick = 60 * time.Second

// Enqueuer is the slice of the worker pool the scheduler needs.
type Enqueuer interface {
	Enqueue(folder string, turn worker.Turn)
}

// ConversationSource resolves a folder to its reply target.
type ConversationSource interface {
	Representative(folder string) (addrbook.Conversation, bool)
}

// Scheduler fires due tasks into the worker pool.
type Scheduler struct {
	store      *Store
	pool       Enqueuer
	book       ConversationSource
	mainFolder string
	tick       time.Duration
	onMutation func() // snapshot re-materialization hook, may be nil
	now        func() time.Time
}

// New creates a scheduler over the task store. onMutation fires after any
// task table change so snapshots can be rewritten; pass nil to disable.
func New(store *Store, pool Enqueuer, book ConversationSource, mainFolder string, onMutation func()) *Scheduler {
	return &Scheduler{
		store:      store,
		pool:       pool,
		book:       book,
		mainFolder: mainFolder,
		tick:       defaultTick,
		onMutation: onMutation,
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled. One tick fires immediately at start so
// tasks that came due while the process was down fire without waiting.
// Tasks a crash left in running are repaired first.
func (s *Scheduler) Run(ctx context.Context) {
	if n, err := s.store.RecoverRunning(); err != nil {
		slog.Error("running-task recovery failed", "error", err)
	} else if n > 0 {
		slog.Warn("recovered tasks interrupted mid-fire", "count", n)
	}
	s.fireDue()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue()
		}
	}
}

// Schedule validates and persists a new task. A one-shot whose timestamp
// is already past is recorded as completed and never fires.
func (s *Scheduler) Schedule(folder, prompt string, kind Kind, value string, taskCtx Context) (Task, error) {
	now := s.now()
	next, err := Validate(kind, value, now)
	if err != nil {
		return Task{}, err
	}
	switch taskCtx {
	case "":
		taskCtx = ContextInherit
	case ContextInherit, ContextIsolated:
	default:
		return Task{}, fmt.Errorf("unknown task context %q, want %q or %q", taskCtx, ContextInherit, ContextIsolated)
	}
	t := Task{
		ID:       uuid.NewString(),
		Folder:   folder,
		Prompt:   prompt,
		Kind:     kind,
		Value:    value,
		Context:  taskCtx,
		Status:   StatusActive,
		NextFire: next,
		Created:  now,
	}
	if kind == KindOnce && !next.After(now) {
		t.Status = StatusCompleted
		t.NextFire = time.Time{}
	}
	if err := s.store.Create(t); err != nil {
		return Task{}, err
	}
	s.mutated()
	slog.Info("task scheduled", "task", t.ID, "folder", folder, "kind", kind, "status", t.Status)
	return t, nil
}

// Pause stops an active task from firing. Its schedule value is kept.
func (s *Scheduler) Pause(id string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusActive {
		return fmt.Errorf("task %s is %s, only active tasks can be paused", id, t.Status)
	}
	if err := s.store.SetStatus(id, StatusPaused); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// Resume reactivates a paused task. Recurring schedules skip ahead to the
// next occurrence after now instead of replaying missed windows.
func (s *Scheduler) Resume(id string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPaused {
		return fmt.Errorf("task %s is %s, only paused tasks can be resumed", id, t.Status)
	}
	next := t.NextFire
	if t.Kind != KindOnce {
		if n, err := nextAfter(&t, s.now()); err == nil {
			next = n
		}
	}
	if err := s.store.SetNextFire(id, StatusActive, next); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// Cancel removes a task permanently.
func (s *Scheduler) Cancel(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.mutated()
	return nil
}

// Task returns one task by id.
func (s *Scheduler) Task(id string) (Task, error) {
	return s.store.Get(id)
}

// Tasks lists all tasks, or one folder's when folder is non-empty.
func (s *Scheduler) Tasks(folder string) ([]Task, error) {
	return s.store.List(folder)
}

// fireDue runs one tick: every active task whose next fire is at or
// before now fires exactly once. The new schedule state is persisted
// before the turn is enqueued, so a crash between the two loses at most
// one firing and never double-fires.
func (s *Scheduler) fireDue() {
	now := s.now()
	due, err := s.store.Due(now)
	if err != nil {
		slog.Error("due task query failed", "error", err)
		return
	}
	for _, t := range due {
		s.fire(t, now)
	}
	if len(due) > 0 {
		s.mutated()
	}
}

func (s *Scheduler) fire(t Task, now time.Time) {
	next, err := nextAfter(&t, now)
	if err != nil {
		slog.Error("task schedule re-derivation failed", "task", t.ID, "error", err)
		if err := s.store.SetOutcome(t.ID, StatusFailed, now, time.Time{}); err != nil {
			slog.Error("task status update failed", "task", t.ID, "error", err)
		}
		return
	}

	// The running mark plus the advanced next fire go to disk before the
	// enqueue: a crash in between never double-fires, and RecoverRunning
	// returns the task to its resting status on the next start.
	if err := s.store.SetOutcome(t.ID, StatusRunning, now, next); err != nil {
		slog.Error("task outcome persist failed", "task", t.ID, "error", err)
		return
	}

	folder := t.Folder
	if folder == "" {
		folder = s.mainFolder
	}
	chatID := ""
	if conv, ok := s.book.Representative(folder); ok {
		chatID = conv.ChatID
	}
	s.pool.Enqueue(folder, worker.Turn{
		Prompt:     t.Prompt,
		ChatID:     chatID,
		Purpose:    addrbook.PurposeChat,
		SessionKey: t.SessionKey(),
	})

	status := StatusActive
	if t.Kind == KindOnce {
		status = StatusCompleted
	}
	if err := s.store.SetStatus(t.ID, status); err != nil {
		slog.Error("task status update failed", "task", t.ID, "error", err)
	}
	slog.Info("task fired", "task", t.ID, "folder", folder, "next", next)
}

func (s *Scheduler) mutated() {
	if s.onMutation != nil {
		s.onMutation()
	}
}
