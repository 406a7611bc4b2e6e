package toolipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/bus"
	"github.com/talaria-sh/talaria/internal/router"
	"github.com/talaria-sh/talaria/internal/scheduler"
)

// mainOnlyMessage is the refusal for conversation-management ops coming
// from anywhere but the main conversation.
const mainOnlyMessage = "Only the main group can manage conversations"

// TaskService is the scheduler surface the handlers need.
type TaskService interface {
	Schedule(folder, prompt string, kind scheduler.Kind, value string, taskCtx scheduler.Context) (scheduler.Task, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Task(id string) (scheduler.Task, error)
}

// ReminderService is the reminders bridge surface.
type ReminderService interface {
	List(ctx context.Context) (json.RawMessage, error)
	Create(ctx context.Context, title, due, notes string) (json.RawMessage, error)
	Complete(ctx context.Context, id string) (json.RawMessage, error)
	Update(ctx context.Context, id string, fields map[string]any) (json.RawMessage, error)
}

// BookmarkService is the bookmark relay surface.
type BookmarkService interface {
	Save(ctx context.Context, url string) (json.RawMessage, error)
	Health(ctx context.Context) (json.RawMessage, error)
	Recent(ctx context.Context, limit int) (json.RawMessage, error)
}

// SnapshotWriter re-materializes the read-only views after mutations.
type SnapshotWriter interface {
	WriteFolder(folder string)
	RefreshReminders(ctx context.Context)
}

// Handlers executes tool requests on behalf of a conversation folder.
// Any field may be nil; ops needing a missing dependency answer with an
// error envelope instead of panicking.
type Handlers struct {
	Send       func(bus.Outgoing)
	Tasks      TaskService
	Book       *addrbook.Store
	Reminders  ReminderService
	Bookmarks  BookmarkService
	Snapshots  SnapshotWriter
	MainFolder string
}

// Execute runs one request originating from the given conversation
// folder and returns the response envelope. Fire-and-forget callers
// simply never read it.
func (h *Handlers) Execute(folder string, req Request) Response {
	switch req.Op {
	case "message":
		return h.message(req)
	case "schedule_task":
		return h.scheduleTask(folder, req)
	case "pause_task", "resume_task", "cancel_task":
		return h.taskTransition(folder, req)
	case "register_group":
		return h.registerGroup(folder, req)
	case "link_account":
		return h.linkAccount(folder, req)
	case "reminders.create", "reminders.complete", "reminders.update", "reminders.snapshot":
		return h.reminderOp(folder, req)
	case "bookmark.url", "bookmark.health", "bookmark.recent":
		return h.bookmarkOp(req)
	default:
		return errorResponse("unknown op %q", req.Op)
	}
}

func (h *Handlers) message(req Request) Response {
	if h.Send == nil {
		return errorResponse("message delivery not available")
	}
	if req.ChatID == "" || req.Text == "" {
		return errorResponse("message requires chat_id and text")
	}
	h.Send(bus.Outgoing{ChatID: req.ChatID, Text: req.Text, SenderLabel: req.SenderLabel})
	return Response{}
}

func (h *Handlers) scheduleTask(folder string, req Request) Response {
	if h.Tasks == nil {
		return errorResponse("scheduler not available")
	}
	target := req.Folder
	if folder != h.MainFolder {
		// Non-main conversations schedule only for themselves.
		if target != "" && target != folder {
			return errorResponse("cannot schedule tasks for folder %q", req.Folder)
		}
		target = folder
	}
	task, err := h.Tasks.Schedule(target, req.Prompt, scheduler.Kind(req.Kind), req.Value, scheduler.Context(req.Context))
	if err != nil {
		return errorResponse("%v", err)
	}
	h.snapshotTasks(folder)
	data, _ := json.Marshal(map[string]string{"task_id": task.ID, "status": string(task.Status)})
	return dataResponse(data)
}

func (h *Handlers) taskTransition(folder string, req Request) Response {
	if h.Tasks == nil {
		return errorResponse("scheduler not available")
	}
	if req.TaskID == "" {
		return errorResponse("%s requires task_id", req.Op)
	}
	task, err := h.Tasks.Task(req.TaskID)
	if err != nil {
		return errorResponse("%v", err)
	}
	if folder != h.MainFolder && task.Folder != folder {
		return errorResponse("task %s does not belong to this conversation", req.TaskID)
	}

	switch req.Op {
	case "pause_task":
		err = h.Tasks.Pause(req.TaskID)
	case "resume_task":
		err = h.Tasks.Resume(req.TaskID)
	case "cancel_task":
		err = h.Tasks.Cancel(req.TaskID)
	}
	if err != nil {
		return errorResponse("%v", err)
	}
	h.snapshotTasks(folder)
	return Response{}
}

func (h *Handlers) registerGroup(folder string, req Request) Response {
	if folder != h.MainFolder {
		return errorResponse("%s", mainOnlyMessage)
	}
	if h.Book == nil {
		return errorResponse("address book not available")
	}
	if req.ChatID == "" {
		return errorResponse("register_group requires chat_id")
	}
	targetFolder := req.Folder
	if targetFolder == "" {
		targetFolder = router.Slug("", req.ChatID)
	}
	conv := addrbook.Conversation{
		ChatID:          req.ChatID,
		Name:            req.Name,
		Folder:          targetFolder,
		Trigger:         req.Trigger,
		RequiresTrigger: req.RequiresTrigger,
		Created:         time.Now(),
	}
	if err := h.Book.Register(conv); err != nil {
		return errorResponse("%v", err)
	}
	slog.Info("group registered via tool", "folder", targetFolder)
	if h.Snapshots != nil {
		h.Snapshots.WriteFolder(h.MainFolder)
		h.Snapshots.WriteFolder(targetFolder)
	}
	data, _ := json.Marshal(map[string]string{"folder": targetFolder})
	return dataResponse(data)
}

func (h *Handlers) linkAccount(folder string, req Request) Response {
	if folder != h.MainFolder {
		return errorResponse("%s", mainOnlyMessage)
	}
	if h.Book == nil {
		return errorResponse("address book not available")
	}
	if req.ChatID == "" || req.Folder == "" {
		return errorResponse("link_account requires chat_id and folder")
	}
	conv, err := h.Book.Link(req.ChatID, req.Folder)
	if err != nil {
		return errorResponse("%v", err)
	}
	slog.Info("account linked via tool", "folder", conv.Folder)
	if h.Snapshots != nil {
		h.Snapshots.WriteFolder(h.MainFolder)
	}
	data, _ := json.Marshal(map[string]string{"folder": conv.Folder})
	return dataResponse(data)
}

func (h *Handlers) reminderOp(folder string, req Request) Response {
	if h.Reminders == nil {
		return errorResponse("reminders bridge not available")
	}
	ctx := context.Background()
	var raw json.RawMessage
	var err error
	mutated := false

	switch req.Op {
	case "reminders.create":
		if req.Title == "" {
			return errorResponse("reminders.create requires title")
		}
		raw, err = h.Reminders.Create(ctx, req.Title, req.Due, req.Notes)
		mutated = true
	case "reminders.complete":
		if req.ID == "" {
			return errorResponse("reminders.complete requires id")
		}
		raw, err = h.Reminders.Complete(ctx, req.ID)
		mutated = true
	case "reminders.update":
		if req.ID == "" {
			return errorResponse("reminders.update requires id")
		}
		raw, err = h.Reminders.Update(ctx, req.ID, req.Fields)
		mutated = true
	case "reminders.snapshot":
		raw, err = h.Reminders.List(ctx)
	}
	if err != nil {
		return errorResponse("%v", err)
	}
	if h.Snapshots != nil {
		if mutated {
			h.Snapshots.RefreshReminders(ctx)
		}
		h.Snapshots.WriteFolder(folder)
	}
	return dataResponse(raw)
}

func (h *Handlers) bookmarkOp(req Request) Response {
	if h.Bookmarks == nil {
		return errorResponse("bookmark relay not available")
	}
	ctx := context.Background()
	var raw json.RawMessage
	var err error
	switch req.Op {
	case "bookmark.url":
		if req.URL == "" {
			return errorResponse("bookmark.url requires url")
		}
		raw, err = h.Bookmarks.Save(ctx, req.URL)
	case "bookmark.health":
		raw, err = h.Bookmarks.Health(ctx)
	case "bookmark.recent":
		raw, err = h.Bookmarks.Recent(ctx, req.Limit)
	}
	if err != nil {
		return errorResponse("%v", err)
	}
	return dataResponse(raw)
}

// snapshotTasks rewrites the origin folder's task view, and main's too
// so the privileged view stays current.
func (h *Handlers) snapshotTasks(folder string) {
	if h.Snapshots == nil {
		return
	}
	h.Snapshots.WriteFolder(folder)
	if folder != h.MainFolder {
		h.Snapshots.WriteFolder(h.MainFolder)
	}
}
