package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/threadstream/internal/agent"
	"github.com/mattjoyce/threadstream/internal/api"
	"github.com/mattjoyce/threadstream/internal/bus"
	"github.com/mattjoyce/threadstream/internal/config"
	"github.com/mattjoyce/threadstream/internal/metrics"
	"github.com/mattjoyce/threadstream/internal/provider"
	"github.com/mattjoyce/threadstream/internal/storage"
	"github.com/mattjoyce/threadstream/internal/store"
	"github.com/mattjoyce/threadstream/internal/stream"
	"github.com/mattjoyce/threadstream/internal/sweeper"
	"github.com/mattjoyce/threadstream/internal/thread"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the threadstream service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveConfigPath)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config.yaml", "path to config file")
}

func newServiceLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newServiceLogger(cfg.Service.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting threadstream", "version", version, "config", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	threadStore := store.NewThreadStore(db)
	messageStore := store.NewMessageStore(db)
	runStore := store.NewRunStore(db)

	m := metrics.New()
	events := bus.New(logger)

	hub := stream.NewHub(stream.Config{
		KeepaliveInterval: cfg.API.KeepaliveInterval,
		WriteTimeout:      cfg.API.WriteTimeout,
		ReplayLimit:       cfg.API.ReplayBuffer,
		ReplayTTL:         cfg.API.ReplayTTL,
		SingleViewer:      cfg.API.SingleViewer,
	}, m, logger)
	relay := stream.Relay(events, hub, logger)
	defer relay.Release()
	go hub.Run(ctx)

	threads := thread.NewService(threadStore, events, thread.Policy{
		RotateAfter:  cfg.Threads.RotateAfter,
		RotateFailed: cfg.Threads.RotateFailed,
	}, logger)

	chatModel, err := provider.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}

	runner := agent.NewRunner(runStore, messageStore, chatModel, events, cfg.Agent, m, logger)
	if err := runner.RecoverRuns(ctx); err != nil {
		logger.Error("run recovery failed", "error", err)
	}
	go runner.Start(ctx)

	sweep, err := sweeper.New(cfg.Threads.SweepSchedule, threads, m, logger)
	if err != nil {
		return err
	}
	go sweep.Run(ctx)

	srv := api.New(api.Config{
		Listen:                cfg.API.Listen,
		Token:                 cfg.API.Token,
		MessageMaxLen:         cfg.API.MessageMaxLen,
		MessageRatePerMinute:  cfg.API.MessageRatePerMinute,
		IdempotencyTTL:        cfg.API.IdempotencyTTL,
		IdempotencyMaxEntries: cfg.API.IdempotencyMaxEntries,
	}, api.Deps{
		Threads:   threads,
		Messages:  messageStore,
		Runs:      runner,
		Hub:       hub,
		Publisher: events,
		Metrics:   m,
	}, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		select {
		case <-runner.Done():
			logger.Info("runner stopped gracefully")
		case <-time.After(10 * time.Second):
			logger.Warn("runner did not stop within 10s, exiting anyway")
		}
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}
