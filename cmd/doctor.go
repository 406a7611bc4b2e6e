package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/talaria-sh/talaria/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("talaria doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println("  (missing — defaults + env will be used)")
	} else {
		fmt.Println("  (found)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  ERROR: config unreadable: %v\n", err)
		return
	}

	fmt.Printf("  Data dir: %s\n", cfg.DataDir)

	fmt.Print("  Worker:   ")
	if len(cfg.Workers.Command) == 0 {
		fmt.Println("NOT CONFIGURED (workers.command)")
	} else if path, err := exec.LookPath(cfg.Workers.Command[0]); err != nil {
		fmt.Printf("%s NOT FOUND in PATH\n", cfg.Workers.Command[0])
	} else {
		fmt.Printf("%s\n", path)
	}

	fmt.Print("  Signal:   ")
	if !cfg.Channels.Signal.Enabled {
		fmt.Println("disabled")
	} else {
		fmt.Printf("%s %s\n", cfg.Channels.Signal.RPCURL, probe(cfg.Channels.Signal.RPCURL))
	}

	fmt.Print("  Slack:    ")
	switch {
	case !cfg.Channels.Slack.Enabled:
		fmt.Println("disabled")
	case cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "":
		fmt.Println("enabled but tokens missing (TALARIA_SLACK_BOT_TOKEN / TALARIA_SLACK_APP_TOKEN)")
	default:
		fmt.Println("configured")
	}

	fmt.Print("  Bookmark: ")
	if cfg.Bookmark.RelayURL == "" {
		fmt.Println("disabled")
	} else {
		fmt.Printf("%s %s\n", cfg.Bookmark.RelayURL, probe(cfg.Bookmark.RelayURL+"/health"))
	}

	fmt.Print("  Voice:    ")
	if !cfg.Voice.Enabled {
		fmt.Println("disabled")
	} else {
		fmt.Printf("%s:%d\n", cfg.Voice.Host, cfg.Voice.Port)
	}
}

// probe answers "reachable" or the failure in parentheses.
func probe(url string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("(bad url: %v)", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "(unreachable)"
	}
	resp.Body.Close()
	return "reachable"
}
