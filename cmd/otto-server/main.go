// otto-server is the standalone daemon: it mounts the Slack webhook gateway,
// the REST/SSE/WebSocket surface, and the in-process dispatcher pool over a
// single in-memory task store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"otto/internal/config"
	"otto/internal/logging"
	"otto/internal/observability"
	"otto/internal/realtime"
	"otto/internal/retry"
	"otto/internal/server"
	"otto/internal/slack"
	"otto/internal/task"
	"otto/internal/worker"
)

// Populated via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "otto-server",
		Short:        "Agent task orchestration service",
		Long:         "otto-server accepts chat webhooks, dispatches agent tasks, and streams task activity to live observers.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: otto-config.yaml in $HOME or cwd)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s)\n", bold("otto-server"), version, gray(commit))
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	return rootCmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.Configure(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := logging.NewComponentLogger("Main")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Warn("Tracer shutdown: %v", err)
		}
	}()

	metrics := observability.Default()
	store := task.NewStore(logging.NewComponentLogger("TaskStore"))
	hub := realtime.NewHub(logging.NewComponentLogger("Realtime"))

	var messenger slack.Messenger
	if cfg.Slack.BotToken != "" {
		messenger = slack.NewClient(cfg.Slack.BotToken, logging.NewComponentLogger("SlackClient"),
			slack.WithClientMetrics(metrics),
			slack.WithRetryConfig(retry.Config{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				BaseDelay:      cfg.Retry.BaseDelay(),
				MaxDelay:       cfg.Retry.MaxDelay(),
				AttemptTimeout: cfg.Retry.AttemptTimeout(),
			}))
	}

	runner := worker.NewRunner(store, worker.NewEchoAgent(), messenger, logging.NewComponentLogger("Runner"))
	dispatcher := task.NewDispatcher(store, runner, task.DispatcherOptions{
		QueueSize: cfg.Dispatch.QueueSize,
		Workers:   cfg.Dispatch.Workers,
	}, logging.NewComponentLogger("Dispatcher"))

	store.SetListener(server.NewChangeFanout(hub, dispatcher, metrics))

	serverOptions := []server.Option{server.WithMetrics(metrics)}
	if cfg.Slack.SigningSecret != "" {
		gateway, err := slack.NewGateway(slack.Config{
			SigningSecret: cfg.Slack.SigningSecret,
			BotToken:      cfg.Slack.BotToken,
			BotUserID:     cfg.Slack.BotUserID,
		}, dispatcher, store, messenger, logging.NewComponentLogger("SlackGateway"), slack.WithMetrics(metrics))
		if err != nil {
			return fmt.Errorf("slack gateway init: %w", err)
		}
		serverOptions = append(serverOptions, server.WithGateway(gateway))
	} else {
		logger.Warn("Slack signing secret not set; webhook endpoint disabled")
	}

	srv := server.New(server.Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Server.Debug,
	}, store, dispatcher, hub, logging.NewComponentLogger("HTTP"), serverOptions...)

	printBanner(cfg)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return dispatcher.Start(groupCtx) })
	group.Go(func() error { return srv.Start(groupCtx) })

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func printBanner(cfg *config.Config) {
	fmt.Printf("%s %s\n", bold("otto-server"), version)
	fmt.Printf("  %s %s:%d\n", green("listening"), cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  %s %d workers, queue %d\n", cyan("dispatch"), cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
	if cfg.Slack.SigningSecret != "" {
		fmt.Printf("  %s enabled\n", cyan("slack webhook"))
	} else {
		fmt.Printf("  %s disabled\n", gray("slack webhook"))
	}
}
