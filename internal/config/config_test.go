package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Router.MainFolder != "main" || cfg.Workers.MaxWorkers != 5 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Workers.IPCRoot == "" || cfg.Workers.WorkRoot == "" {
		t.Error("path defaults not derived")
	}
}

func TestLoadJSON5Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// comments are fine
		router: { main_folder: "hq" },
		workers: { max_workers: 3 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Router.MainFolder != "hq" {
		t.Errorf("main folder = %q", cfg.Router.MainFolder)
	}
	if cfg.Workers.MaxWorkers != 3 {
		t.Errorf("max workers = %d", cfg.Workers.MaxWorkers)
	}
	// Untouched fields keep defaults.
	if cfg.Channels.Signal.PollMs != 2000 {
		t.Errorf("poll ms = %d", cfg.Channels.Signal.PollMs)
	}
}

func TestEnvSecretsOverlayAndAutoEnable(t *testing.T) {
	t.Setenv("TALARIA_SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("TALARIA_SLACK_APP_TOKEN", "xapp-test")
	t.Setenv("TALARIA_VOICE_TOKEN", "vt-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Channels.Slack.Enabled || cfg.Channels.Slack.BotToken != "xoxb-test" {
		t.Errorf("slack = %+v", cfg.Channels.Slack)
	}
	if !cfg.Voice.Enabled || cfg.Voice.Token != "vt-secret" {
		t.Errorf("voice = %+v", cfg.Voice)
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Voice.Token = "super-secret"
	cfg.Channels.Slack.BotToken = "xoxb-secret"

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"super-secret", "xoxb-secret"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("secret %q persisted to disk", secret)
		}
	}
}
