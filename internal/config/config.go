// Package config holds the host configuration: a JSON5 file overlaid
// with environment variables. Secrets come from the environment only and
// are never written back to disk.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config is the root configuration.
type Config struct {
	mu sync.RWMutex

	DataDir string `json:"data_dir"` // address book, task db, default roots

	Channels ChannelsConfig `json:"channels"`
	Router   RouterConfig   `json:"router"`
	Workers  WorkersConfig  `json:"workers"`
	Voice    VoiceConfig    `json:"voice"`
	Bookmark BookmarkConfig `json:"bookmark"`
	Mail     MailConfig     `json:"mail"`
	Remind   RemindConfig   `json:"reminders"`
}

// ChannelsConfig configures the chat transports.
type ChannelsConfig struct {
	Signal SignalConfig `json:"signal"`
	Slack  SlackConfig  `json:"slack"`
}

// SignalConfig configures the JSON-RPC transport adapter.
type SignalConfig struct {
	Enabled     bool   `json:"enabled"`
	RPCURL      string `json:"rpc_url"`
	PollMs      int    `json:"poll_ms"`
	ReceiveSecs int    `json:"receive_secs"`
}

// SlackConfig configures the socket-mode transport adapter.
type SlackConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"` // chat-id namespace, default "slack"
	BotToken  string `json:"-"`         // env only
	AppToken  string `json:"-"`         // env only
	BotName   string `json:"bot_name"`
}

// AutoRegisterConfig is one transport's policy for unknown senders.
type AutoRegisterConfig struct {
	Enabled         bool   `json:"enabled"`
	FolderPrefix    string `json:"folder_prefix"`
	Trigger         string `json:"trigger"`
	RequiresTrigger bool   `json:"requires_trigger"`
}

// RouterConfig configures inbound routing.
type RouterConfig struct {
	MainFolder   string                        `json:"main_folder"`
	AutoRegister map[string]AutoRegisterConfig `json:"auto_register"` // keyed by transport tag
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	Command        []string `json:"command"`
	MaxWorkers     int      `json:"max_workers"`
	IdleTimeoutSec int      `json:"idle_timeout_sec"`
	TurnTimeoutSec int      `json:"turn_timeout_sec"`
	WorkRoot       string   `json:"work_root"`
	IPCRoot        string   `json:"ipc_root"`
	ExtraEnv       []string `json:"extra_env"`
}

// VoiceConfig configures the voice HTTP endpoint.
type VoiceConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"-"` // env only
}

// BookmarkConfig points at the bookmark relay.
type BookmarkConfig struct {
	RelayURL string `json:"relay_url"`
}

// MailConfig configures the mail-to-bookmark poller.
type MailConfig struct {
	Enabled        bool     `json:"enabled"`
	Command        []string `json:"command"`
	FromFilter     string   `json:"from_filter"`
	ProcessedLabel string   `json:"processed_label"`
	PollMinutes    int      `json:"poll_minutes"`
}

// RemindConfig configures the reminders bridge subprocess.
type RemindConfig struct {
	Enabled bool     `json:"enabled"`
	Command []string `json:"command"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: "~/.talaria",
		Channels: ChannelsConfig{
			Signal: SignalConfig{
				RPCURL:      "http://127.0.0.1:8080/api/v1/rpc",
				PollMs:      2000,
				ReceiveSecs: 1,
			},
			Slack: SlackConfig{
				Namespace: "slack",
			},
		},
		Router: RouterConfig{
			MainFolder: "main",
		},
		Workers: WorkersConfig{
			MaxWorkers:     5,
			IdleTimeoutSec: 300,
			TurnTimeoutSec: 300,
		},
		Voice: VoiceConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Mail: MailConfig{
			ProcessedLabel: "bookmarked",
			PollMinutes:    5,
		},
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("TALARIA_SIGNAL_RPC_URL", &c.Channels.Signal.RPCURL)
	envStr("TALARIA_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("TALARIA_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("TALARIA_VOICE_TOKEN", &c.Voice.Token)
	envStr("TALARIA_BOOKMARK_RELAY_URL", &c.Bookmark.RelayURL)
	envStr("TALARIA_DATA_DIR", &c.DataDir)
	envStr("TALARIA_VOICE_HOST", &c.Voice.Host)
	if v := os.Getenv("TALARIA_VOICE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Voice.Port = port
		}
	}

	// Auto-enable surfaces whose credentials arrive via env.
	if c.Channels.Slack.BotToken != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}
	if c.Voice.Token != "" {
		c.Voice.Enabled = true
	}

	if v := os.Getenv("TALARIA_WORKER_COMMAND"); v != "" {
		c.Workers.Command = strings.Fields(v)
	}
}

// IdleTimeout returns the worker idle window as a duration.
func (c *WorkersConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// TurnTimeout returns the per-turn deadline as a duration.
func (c *WorkersConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// PollInterval returns the mail poll interval as a duration.
func (c *MailConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMinutes) * time.Minute
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
