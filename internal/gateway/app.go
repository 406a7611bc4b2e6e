package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/bookmark"
	"github.com/talaria-sh/talaria/internal/bus"
	"github.com/talaria-sh/talaria/internal/channels"
	"github.com/talaria-sh/talaria/internal/channels/signal"
	slackch "github.com/talaria-sh/talaria/internal/channels/slack"
	"github.com/talaria-sh/talaria/internal/config"
	"github.com/talaria-sh/talaria/internal/intake"
	"github.com/talaria-sh/talaria/internal/reminders"
	"github.com/talaria-sh/talaria/internal/router"
	"github.com/talaria-sh/talaria/internal/scheduler"
	"github.com/talaria-sh/talaria/internal/snapshot"
	"github.com/talaria-sh/talaria/internal/toolipc"
	"github.com/talaria-sh/talaria/internal/worker"
)

// App owns every long-lived component and their startup order.
type App struct {
	cfg *config.Config

	book      *addrbook.Store
	msgBus    *bus.MessageBus
	registry  *channels.Registry
	rt        *router.Router
	pool      *worker.Pool
	taskStore *scheduler.Store
	sched     *scheduler.Scheduler
	snap      *snapshot.Writer
	ipc       *toolipc.Server
	bridge    *reminders.Bridge
	poller    *intake.Poller
	voice     *Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp constructs the full host from config. Nothing is started yet.
func NewApp(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	book, err := addrbook.Open(filepath.Join(cfg.DataDir, "addressbook.json"))
	if err != nil {
		return nil, err
	}
	a.book = book

	a.msgBus = bus.New()
	a.registry = channels.NewRegistry(a.msgBus)

	if cfg.Channels.Signal.Enabled {
		ch, err := signal.New(signal.Options{
			RPCURL:         cfg.Channels.Signal.RPCURL,
			PollInterval:   time.Duration(cfg.Channels.Signal.PollMs) * time.Millisecond,
			ReceiveTimeout: time.Duration(cfg.Channels.Signal.ReceiveSecs) * time.Second,
		}, a.msgBus)
		if err != nil {
			return nil, err
		}
		a.registry.Register(ch)
	}
	if cfg.Channels.Slack.Enabled {
		ch, err := slackch.New(slackch.Options{
			Namespace: cfg.Channels.Slack.Namespace,
			BotToken:  cfg.Channels.Slack.BotToken,
			AppToken:  cfg.Channels.Slack.AppToken,
			BotName:   cfg.Channels.Slack.BotName,
		}, a.msgBus)
		if err != nil {
			return nil, err
		}
		a.registry.Register(ch)
	}

	mainFolder := cfg.Router.MainFolder
	a.pool = worker.NewPool(worker.Config{
		Command:     cfg.Workers.Command,
		MaxWorkers:  cfg.Workers.MaxWorkers,
		IdleTimeout: cfg.Workers.IdleTimeout(),
		TurnTimeout: cfg.Workers.TurnTimeout(),
		WorkRoot:    cfg.Workers.WorkRoot,
		IPCRoot:     cfg.Workers.IPCRoot,
		MainFolder:  mainFolder,
		ExtraEnv:    cfg.Workers.ExtraEnv,
	}, book, book, a.msgBus.PublishOutbound)

	policies := make(map[string]router.AutoRegisterPolicy, len(cfg.Router.AutoRegister))
	for transport, p := range cfg.Router.AutoRegister {
		policies[transport] = router.AutoRegisterPolicy{
			Enabled:         p.Enabled,
			FolderPrefix:    p.FolderPrefix,
			Trigger:         p.Trigger,
			RequiresTrigger: p.RequiresTrigger,
		}
	}
	a.rt = router.New(book, a.pool, policies)

	taskStore, err := scheduler.OpenStore(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		return nil, err
	}
	a.taskStore = taskStore
	// The scheduler notifies the snapshot writer on any task mutation;
	// the writer does not exist yet, so bind through the field.
	a.sched = scheduler.New(taskStore, a.pool, book, mainFolder, func() {
		if a.snap != nil {
			a.snap.WriteAll()
		}
	})

	if len(cfg.Remind.Command) > 0 && cfg.Remind.Enabled {
		a.bridge = reminders.NewBridge(cfg.Remind.Command)
	}
	var remSource snapshot.ReminderSource
	if a.bridge != nil {
		remSource = a.bridge
	}
	a.snap = snapshot.NewWriter(book, a.sched, a.rt.AvailableGroups, remSource, cfg.Workers.IPCRoot, mainFolder)

	var relay *bookmark.Client
	if cfg.Bookmark.RelayURL != "" {
		relay = bookmark.NewClient(cfg.Bookmark.RelayURL)
	}

	handlers := &toolipc.Handlers{
		Send:       a.msgBus.PublishOutbound,
		Tasks:      a.sched,
		Book:       book,
		Snapshots:  a.snap,
		MainFolder: mainFolder,
	}
	if a.bridge != nil {
		handlers.Reminders = a.bridge
	}
	if relay != nil {
		handlers.Bookmarks = relay
	}
	a.ipc = toolipc.NewServer(cfg.Workers.IPCRoot, handlers)

	if cfg.Mail.Enabled && relay != nil {
		a.poller = intake.NewPoller(
			intake.NewMailCLI(cfg.Mail.Command),
			relay,
			cfg.Mail.FromFilter,
			cfg.Mail.ProcessedLabel,
			cfg.Mail.PollInterval(),
		)
	}

	if cfg.Voice.Enabled {
		a.voice = NewServer(cfg.Voice.Host, cfg.Voice.Port, cfg.Voice.Token, mainFolder, a.pool, cfg.Workers.TurnTimeout())
	}

	return a, nil
}

// Start brings every component up and returns. Use Stop to shut down.
func (a *App) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	if err := a.registry.StartAll(ctx); err != nil {
		cancel()
		return err
	}

	run := func(name string, f func(context.Context)) {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			f(ctx)
			slog.Debug("component stopped", "component", name)
		}()
	}

	run("router", func(ctx context.Context) { a.rt.Run(ctx, a.msgBus) })
	run("scheduler", a.sched.Run)
	run("toolipc", a.ipc.Run)
	run("snapshots", a.snap.Run)
	if a.poller != nil {
		run("mail-intake", a.poller.Run)
	}
	if a.voice != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.voice.Start(ctx); err != nil {
				slog.Error("voice server exited", "error", err)
			}
		}()
	}

	slog.Info("host started", "main_folder", a.cfg.Router.MainFolder)
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.registry.StopAll(stopCtx); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}
	a.pool.Shutdown()
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.taskStore != nil {
		if err := a.taskStore.Close(); err != nil {
			slog.Warn("task store close", "error", err)
		}
	}
	slog.Info("host stopped")
}
