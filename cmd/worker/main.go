package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dontdude/replbox/internal/aggregate"
	"github.com/dontdude/replbox/internal/bus"
	"github.com/dontdude/replbox/internal/config"
	"github.com/dontdude/replbox/internal/domain"
	"github.com/dontdude/replbox/internal/engine"
	"github.com/dontdude/replbox/internal/platform/docker"
	"github.com/dontdude/replbox/internal/platform/logging"
	"github.com/dontdude/replbox/internal/relay"
	"github.com/dontdude/replbox/internal/workspace"
)

var (
	configFlag   string
	languageFlag string
	timeoutFlag  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "replbox-worker [file]",
		Short: "Run one source file in a sandbox, attached to this terminal",
		Long: `replbox-worker runs a single file through the same engine the server uses,
without Redis or WebSockets. Program output goes to stdout and terminal input
is forwarded to the program's stdin; logs go to stderr.

Examples:
  replbox-worker hello.py
  echo 42 | replbox-worker --language java Solution.java`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runFile,
	}
	root.Flags().StringVar(&configFlag, "config", "", "Path to a YAML config file")
	root.Flags().StringVarP(&languageFlag, "language", "l", "", "Language (auto-detected from extension)")
	root.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Execution timeout (overrides sandbox.timeout)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if timeoutFlag > 0 {
		cfg.Sandbox.Timeout = timeoutFlag
	}
	if _, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	file := args[0]
	source, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}

	lang, err := resolveLanguage(file)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This will panic if Docker is not available (Fail-Fast)
	dockerClient := docker.NewClient(cfg.Sandbox.FrameBuffer)

	events := bus.New(bus.Options{MaxPending: cfg.Output.MaxPending})
	inputs := relay.New(cfg.Relay.WriteTimeout)
	events.SubscribeOutput(func(ev domain.OutputEvent) {
		fmt.Fprint(os.Stdout, ev.Text)
	})

	exec := engine.New(
		workspace.NewProvisioner(workspace.Options{
			BaseDir:   cfg.Workspace.BaseDir,
			HostDir:   cfg.Workspace.HostDir,
			MountPath: cfg.Sandbox.MountPath,
			Images:    cfg.Sandbox.Images,
		}),
		dockerClient,
		inputs,
		events,
		engine.Options{
			Timeout:       cfg.Sandbox.Timeout,
			AutoRemove:    cfg.Sandbox.AutoRemove,
			KillOnTimeout: true,
			Policy:        &aggregate.Policy{Delimiters: cfg.Output.Delimiters, MaxLength: cfg.Output.MaxLength},
		},
	)

	job := domain.Job{
		ID:          uuid.NewString(),
		SessionID:   uuid.NewString(),
		CodeContent: workspace.Encode(source),
		Language:    lang.Name,
	}

	done := make(chan struct{})
	go forwardStdin(inputs, job.SessionID, done)

	res, err := exec.Execute(ctx, job)
	close(done)
	events.Close()
	if err != nil {
		return err
	}

	slog.Info("Execution finished", "state", res.State.String(), "duration", res.Duration, "outputBytes", len(res.Output))
	if res.State != domain.StateCompleted {
		return fmt.Errorf("execution ended %s", res.State)
	}
	return nil
}

func resolveLanguage(file string) (workspace.LanguageSpec, error) {
	if languageFlag != "" {
		return workspace.Lookup(languageFlag)
	}
	return workspace.ForFile(filepath.Base(file))
}

// forwardStdin relays terminal lines to the sandbox and closes its stdin at EOF.
// Lines typed before the sandbox's pipe exists wait for it.
func forwardStdin(inputs *relay.Relay, sessionID string, done <-chan struct{}) {
	lines := bufio.NewScanner(os.Stdin)
	for lines.Scan() {
		if !waitForSession(inputs, sessionID, done) {
			return
		}
		inputs.Write(sessionID, lines.Text())
	}
	if waitForSession(inputs, sessionID, done) {
		inputs.Close(sessionID)
	}
}

func waitForSession(inputs *relay.Relay, sessionID string, done <-chan struct{}) bool {
	for !inputs.Has(sessionID) {
		select {
		case <-done:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return true
}
