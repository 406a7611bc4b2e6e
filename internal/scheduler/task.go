// Package scheduler runs durable timed tasks against the worker pool.
// Tasks live in a SQLite table and survive restarts; a coarse tick loop
// fires whatever is due and re-derives the next occurrence.
package scheduler

import "time"

// Kind selects how a task's schedule value is interpreted.
type Kind string

const (
	KindCron     Kind = "cron"     // value is a five-field cron expression
	KindInterval Kind = "interval" // value is a positive integer of milliseconds
	KindOnce     Kind = "once"     // value is a local timestamp, no zone suffix
)

// Context selects the session the fired prompt runs in.
type Context string

const (
	ContextInherit  Context = "inherit"  // share the folder's chat session
	ContextIsolated Context = "isolated" // own session keyed task:<id>
)

// Status is the task lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one scheduled prompt. Folder is empty for main-scope tasks,
// which run in the main conversation folder.
type Task struct {
	ID       string
	Folder   string
	Prompt   string
	Kind     Kind
	Value    string
	Context  Context
	Status   Status
	NextFire time.Time // zero when the task will never fire again
	LastFire time.Time
	Created  time.Time
}

// SessionKey returns the worker session slot override for this task, or
// empty when the task inherits the folder's chat session.
func (t *Task) SessionKey() string {
	if t.Context == ContextIsolated {
		return "task:" + t.ID
	}
	return ""
}
