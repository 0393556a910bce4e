package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dontdude/replbox/internal/config"
	"github.com/dontdude/replbox/internal/domain"
	"github.com/dontdude/replbox/internal/platform/logging"
	"github.com/dontdude/replbox/internal/platform/queue"
	"github.com/dontdude/replbox/internal/workspace"
)

var (
	configFlag   string
	redisFlag    string
	languageFlag string
	sessionFlag  string
	repeatFlag   int
	waitFlag     time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "replbox-producer",
		Short: "Publish execution jobs to the replbox queue",
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&redisFlag, "redis", "", "Redis address (overrides redis.addr)")

	submitCmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Enqueue a source file as a job",
		Long: `Enqueue a source file. Connect a client to /ws/<sessionId> to interact with it.

Examples:
  replbox-producer submit hello.py
  replbox-producer submit --session demo --wait 30s Solution.java
  replbox-producer submit --repeat 5 hello.py`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runSubmit,
	}
	submitCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language (auto-detected from extension)")
	submitCmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "Session ID (default: a new UUID per job)")
	submitCmd.Flags().IntVar(&repeatFlag, "repeat", 1, "Number of jobs to publish")
	submitCmd.Flags().DurationVar(&waitFlag, "wait", 0, "Wait this long for the results of the published jobs")
	root.AddCommand(submitCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if redisFlag != "" {
		cfg.Redis.Addr = redisFlag
	}
	if _, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	file := args[0]
	source, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	var lang workspace.LanguageSpec
	if languageFlag != "" {
		lang, err = workspace.Lookup(languageFlag)
	} else {
		lang, err = workspace.ForFile(filepath.Base(file))
	}
	if err != nil {
		return err
	}

	redisQ := queue.NewRedisQueue(cfg.Redis.Addr, queue.Options{
		Stream:         cfg.Queue.Stream,
		Group:          cfg.Queue.Group,
		ResultsChannel: cfg.Queue.ResultsChannel,
	})
	defer redisQ.Close()

	ctx := context.Background()

	// Subscribe before publishing so no result is missed.
	var results <-chan domain.JobResult
	if waitFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitFlag)
		defer cancel()
		if results, err = redisQ.SubscribeResults(ctx); err != nil {
			return err
		}
	}

	pending := make(map[string]bool)
	for i := 0; i < repeatFlag; i++ {
		sessionID := sessionFlag
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		job := domain.Job{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			CodeContent: workspace.Encode(source),
			Language:    lang.Name,
		}

		slog.Info("Publishing job", "jobID", job.ID, "sessionID", job.SessionID, "language", job.Language)
		if err := redisQ.Publish(ctx, job); err != nil {
			return fmt.Errorf("publishing job: %w", err)
		}
		pending[job.ID] = true
		fmt.Printf("%s\t%s\n", job.ID, job.SessionID)
	}
	slog.Info("Successfully published jobs", "count", len(pending))

	if results == nil {
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d job(s) still pending after %s", len(pending), waitFlag)
		case res, ok := <-results:
			if !ok {
				return fmt.Errorf("%d job(s) still pending after %s", len(pending), waitFlag)
			}
			if !pending[res.JobID] {
				continue
			}
			delete(pending, res.JobID)
			enc.Encode(res)
		}
	}
	return nil
}
