// Package addrbook is the durable chat-id → conversation mapping. It is a
// single-writer store backed by one JSON file; every mutation is written
// through a temp file, fsynced and renamed into place.
//
// Session ids live here too, keyed by (folder, purpose) so that linked
// ChatIds sharing a folder share the session. They are persisted for
// continuity but never logged and never emitted on any outbound channel.
package addrbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a chat id or link target folder is unknown.
	ErrNotFound = errors.New("addrbook: not found")
	// ErrConflict is returned when a registration would violate folder uniqueness.
	ErrConflict = errors.New("addrbook: folder conflict")
)

type fileState struct {
	Conversations map[string]*Conversation     `json:"conversations"`
	Sessions      map[string]map[string]string `json:"sessions,omitempty"` // folder → purpose → session id
}

// Store is the single-writer address book.
type Store struct {
	mu    sync.Mutex
	path  string
	state fileState
}

// Open loads the address book from path, creating an empty one if the file
// does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		state: fileState{
			Conversations: make(map[string]*Conversation),
			Sessions:      make(map[string]map[string]string),
		},
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("addrbook: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("addrbook: parse %s: %w", path, err)
	}
	if s.state.Conversations == nil {
		s.state.Conversations = make(map[string]*Conversation)
	}
	if s.state.Sessions == nil {
		s.state.Sessions = make(map[string]map[string]string)
	}
	return s, nil
}

// Get returns the conversation for a chat id.
func (s *Store) Get(chatID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Conversations[chatID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Register inserts a new conversation or updates an existing one in
// place. A new chat id must not claim a folder already in use; linking a
// second chat id into an occupied folder goes through Link. Updates to a
// record that already lives in the folder (capability or trigger changes)
// are always allowed, aliases included.
func (s *Store) Register(conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.state.Conversations[conv.ChatID]; !ok || existing.Folder != conv.Folder {
		for id, other := range s.state.Conversations {
			if other.Folder == conv.Folder && id != conv.ChatID {
				return fmt.Errorf("%w: folder %q already owned by another conversation", ErrConflict, conv.Folder)
			}
		}
	}
	if conv.Created.IsZero() {
		conv.Created = time.Now()
	}
	c := conv
	s.state.Conversations[conv.ChatID] = &c
	return s.persistLocked()
}

// Put updates an existing conversation record (or re-inserts it unchanged).
// Folder uniqueness is enforced the same way as Register.
func (s *Store) Put(conv Conversation) error {
	return s.Register(conv)
}

// Link registers aliasID as a second chat id for targetFolder, copying
// trigger and capability settings from the folder's representative record
// (the earliest-registered one). If the alias already exists its settings
// are overwritten: target wins.
func (s *Store) Link(aliasID, targetFolder string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, ok := s.representativeLocked(targetFolder)
	if !ok {
		return Conversation{}, fmt.Errorf("%w: no conversation uses folder %q", ErrNotFound, targetFolder)
	}

	if existing, ok := s.state.Conversations[aliasID]; ok {
		slog.Warn("link overwrites existing conversation, target settings win",
			"folder_was", existing.Folder, "folder_now", targetFolder)
	}

	conv := Conversation{
		ChatID:          aliasID,
		Name:            rep.Name,
		Folder:          targetFolder,
		Trigger:         rep.Trigger,
		RequiresTrigger: rep.RequiresTrigger,
		Capabilities:    rep.Capabilities,
		Created:         time.Now(),
	}
	s.state.Conversations[aliasID] = &conv
	if err := s.persistLocked(); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// List returns all conversations ordered by creation time.
func (s *Store) List() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.state.Conversations))
	for _, c := range s.state.Conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// ByFolder returns all conversations mapped to folder, earliest first.
func (s *Store) ByFolder(folder string) []Conversation {
	var out []Conversation
	for _, c := range s.List() {
		if c.Folder == folder {
			out = append(out, c)
		}
	}
	return out
}

// Representative returns the earliest-registered conversation for a folder.
// Its record is the source of capability inheritance on Link.
func (s *Store) Representative(folder string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.representativeLocked(folder)
}

func (s *Store) representativeLocked(folder string) (Conversation, bool) {
	var rep *Conversation
	for _, c := range s.state.Conversations {
		if c.Folder != folder {
			continue
		}
		if rep == nil || c.Created.Before(rep.Created) {
			rep = c
		}
	}
	if rep == nil {
		return Conversation{}, false
	}
	return *rep, true
}

// UpdateLastSeen stamps the conversation's last-active time.
func (s *Store) UpdateLastSeen(chatID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Conversations[chatID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, redact(chatID))
	}
	c.LastActive = t
	return s.persistLocked()
}

// Session returns the stored session id for (folder, purpose), if any.
func (s *Store) Session(folder, purpose string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.Sessions[folder][purpose]
	return id, ok && id != ""
}

// SetSession persists the worker-assigned session id for (folder, purpose).
func (s *Store) SetSession(folder, purpose, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Sessions[folder] == nil {
		s.state.Sessions[folder] = make(map[string]string)
	}
	s.state.Sessions[folder][purpose] = sessionID
	return s.persistLocked()
}

// ClearSession removes the session id for (folder, purpose). Used on
// operator reset and on worker rejection of a stale session.
func (s *Store) ClearSession(folder, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.state.Sessions[folder]; m != nil {
		delete(m, purpose)
	}
	return s.persistLocked()
}

// persistLocked writes the whole store through a temp file with fsync and
// renames it into place. Callers hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("addrbook: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("addrbook: open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("addrbook: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("addrbook: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("addrbook: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("addrbook: rename %s: %w", tmp, err)
	}
	return nil
}

// redact trims a chat id for error text: keeps the transport prefix only.
func redact(chatID string) string {
	if i := strings.IndexByte(chatID, ':'); i > 0 {
		return chatID[:i] + ":…"
	}
	return "…"
}
