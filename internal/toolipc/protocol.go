// Package toolipc is the file-based tool channel between the host and
// its worker processes. Workers drop request files into per-conversation
// directories; the host sweeps, executes, unlinks, and for synchronous
// tools writes a response file the worker polls for. Atomic rename is
// the entire concurrency discipline; there are no locks.
package toolipc

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// Families are the per-conversation request subdirectories.
var Families = []string{"messages", "tasks", "reminders", "bookmarks"}

// Request is the union of all tool request shapes. Op selects the
// operation; unused fields stay empty.
type Request struct {
	Op           string `json:"op"`
	ResponseFile string `json:"response_file,omitempty"`

	// message
	ChatID      string `json:"chat_id,omitempty"`
	Text        string `json:"text,omitempty"`
	SenderLabel string `json:"sender_label,omitempty"`

	// schedule_task / pause_task / resume_task / cancel_task
	TaskID  string `json:"task_id,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Value   string `json:"value,omitempty"`
	Context string `json:"context,omitempty"`

	// register_group / link_account
	Name            string `json:"name,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger bool   `json:"requires_trigger,omitempty"`

	// reminders.*
	ID     string         `json:"id,omitempty"`
	Title  string         `json:"title,omitempty"`
	Due    string         `json:"due,omitempty"`
	Notes  string         `json:"notes,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`

	// bookmark.*
	URL   string `json:"url,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Response is the synchronous tool result envelope.
type Response struct {
	IsError bool            `json:"isError"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func errorResponse(format string, args ...any) Response {
	return Response{IsError: true, Message: fmt.Sprintf(format, args...)}
}

func dataResponse(data json.RawMessage) Response {
	return Response{Data: data}
}

// RequestFilename produces a sweep-ordered unique name: the millisecond
// prefix gives lexicographic ≈ chronological order, the random suffix
// breaks same-millisecond ties.
func RequestFilename() string {
	return fmt.Sprintf("%d-%06d.json", time.Now().UnixMilli(), rand.Intn(1_000_000))
}

// WriteRequest atomically drops a request file into dir. This is the
// writer half of the protocol, used by intake and by tests; workers
// implement the same dance in their own runtime.
func WriteRequest(dir string, req Request) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	name := RequestFilename()
	if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
		return "", err
	}
	return name, nil
}

// writeAtomic writes path via a .tmp sibling and rename, so sweepers
// never observe a partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
