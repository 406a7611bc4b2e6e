package addrbook

import "time"

// Capabilities are the per-conversation side-effect tool grants.
type Capabilities struct {
	Reminders bool `json:"reminders,omitempty"`
	Bookmarks bool `json:"bookmarks,omitempty"`
	Email     bool `json:"email,omitempty"`
}

// ContainerConfig overrides the worker sandbox for one conversation.
type ContainerConfig struct {
	Mounts []string          `json:"mounts,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Conversation is the durable record for one ChatId. Several ChatIds may
// share a folder (linked accounts); they then share state, session and
// instruction file.
type Conversation struct {
	ChatID          string           `json:"chat_id"`
	Name            string           `json:"name,omitempty"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger,omitempty"`
	RequiresTrigger bool             `json:"requires_trigger,omitempty"`
	Capabilities    Capabilities     `json:"capabilities,omitempty"`
	Container       *ContainerConfig `json:"container,omitempty"`
	Created         time.Time        `json:"created"`
	LastActive      time.Time        `json:"last_active,omitempty"`
}

// Session purposes. One session id is kept per (folder, purpose).
const (
	PurposeChat  = "chat"
	PurposeVoice = "voice"
)
