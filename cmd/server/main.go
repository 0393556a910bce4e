package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dontdude/replbox/internal/aggregate"
	"github.com/dontdude/replbox/internal/bus"
	"github.com/dontdude/replbox/internal/config"
	"github.com/dontdude/replbox/internal/domain"
	"github.com/dontdude/replbox/internal/engine"
	"github.com/dontdude/replbox/internal/monitor"
	"github.com/dontdude/replbox/internal/platform/docker"
	"github.com/dontdude/replbox/internal/platform/logging"
	"github.com/dontdude/replbox/internal/platform/queue"
	"github.com/dontdude/replbox/internal/platform/web"
	"github.com/dontdude/replbox/internal/relay"
	"github.com/dontdude/replbox/internal/server"
	"github.com/dontdude/replbox/internal/session"
	"github.com/dontdude/replbox/internal/worker"
	"github.com/dontdude/replbox/internal/workspace"
)

var (
	configFlag string
	addrFlag   string
)

func main() {
	root := &cobra.Command{
		Use:   "replbox-server",
		Short: "Interactive code execution service",
		Long: `replbox-server consumes jobs from Redis, runs each one in a throwaway Docker
container and relays the program's stdin/stdout over a WebSocket bound to the
job's session ID.

Examples:
  replbox-server
  replbox-server --config ./replbox.yaml --addr :9090`,
		SilenceUsage: true,
		RunE:         runServer,
	}
	root.Flags().StringVar(&configFlag, "config", "", "Path to a YAML config file (default: ./replbox.yaml if present)")
	root.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides server.addr)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// 1. Configuration and logger
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if _, err := logging.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	slog.Info("Starting replbox server...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()

	// 2. Infrastructure (panics if Docker or Redis are unreachable)
	dockerClient := docker.NewClient(cfg.Sandbox.FrameBuffer)
	redisQ := queue.NewRedisQueue(cfg.Redis.Addr, queue.Options{
		Stream:         cfg.Queue.Stream,
		Group:          cfg.Queue.Group,
		ResultsChannel: cfg.Queue.ResultsChannel,
	})
	defer redisQ.Close()

	// 3. Event plumbing: engine -> bus -> sessions, sessions -> bus -> stdin pipes
	events := bus.New(bus.Options{MaxPending: cfg.Output.MaxPending, Metrics: metrics})
	inputs := relay.New(cfg.Relay.WriteTimeout)
	sessions := session.NewRegistry(events, session.Options{Metrics: metrics})

	events.SubscribeOutput(func(ev domain.OutputEvent) {
		sessions.Deliver(ev)
	})
	events.SubscribeInput(func(ev domain.InputEvent) {
		d := inputs.Handle(ev)
		metrics.RecordDelivery("input", d.String())
	})

	// 4. Execution engine and consumers
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
			KillOnTimeout: cfg.Sandbox.KillOnTimeout,
			Policy: &aggregate.Policy{
				Delimiters: cfg.Output.Delimiters,
				MaxLength:  cfg.Output.MaxLength,
			},
			Metrics: metrics,
			Tracer:  monitor.NewTracer(),
		},
	)

	pool := worker.NewPool(cfg.Worker.Concurrency, redisQ, exec)
	pool.Start(ctx)
	go redisQ.StartRecoveryRoutine(ctx, cfg.Queue.RecoveryInterval, cfg.Queue.RecoveryMaxAge)

	// 5. HTTP
	limiter := web.NewRateLimiter(ctx, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	srv := server.New(server.Deps{
		Queue:     redisQ,
		WebSocket: sessions.ServeWS,
		RateLimit: limiter.Middleware,
		Gatherer:  metrics.Registry,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("Server failed", "error", err)
		}
	}

	// 6. Graceful shutdown: stop intake, give running sandboxes a grace period, then drop clients
	if err := srv.Shutdown(context.Background()); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace)
	if err := pool.Shutdown(graceCtx); err != nil {
		slog.Warn("Running jobs were cancelled at shutdown", "grace", cfg.Worker.ShutdownGrace)
	}
	cancelGrace()
	events.Close()
	sessions.CloseAll()

	slog.Info("replbox server stopped")
	return nil
}
