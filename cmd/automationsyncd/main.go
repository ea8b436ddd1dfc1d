package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"automationsync/internal/api"
	"automationsync/internal/config"
	"automationsync/internal/core"
	"automationsync/internal/logging"
	syncmcp "automationsync/internal/mcp"
	"automationsync/internal/notify"
	"automationsync/internal/sfmc"
	"automationsync/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	if cfg.Mode == "mcp" {
		logger = logging.NewWithWriter(cfg.Log.Level, os.Stderr)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	scheduler, err := buildScheduler(cfg, storeInst, logger, location)
	if err != nil {
		logger.Error("build scheduler", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	switch cfg.Mode {
	case "once":
		code := runOnceMode(ctx, scheduler, logger)
		cancel()
		storeInst.Close()
		os.Exit(code)
	case "http":
		scheduler.Start(ctx)
		runHTTPMode(cfg, storeInst, scheduler, nil, logger, location)
	case "mcp":
		scheduler.Start(ctx)
		runMCPMode(cfg, storeInst, scheduler, logger, location, cancel)
	case "both":
		scheduler.Start(ctx)
		mcpServer := syncmcp.NewMCPServer(storeInst, scheduler, logger, location)
		runHTTPMode(cfg, storeInst, scheduler, mcpServer.Handler(), logger, location)
	}
}

func buildScheduler(cfg *config.Config, storeInst *store.Store, logger *slog.Logger, location *time.Location) (*core.Scheduler, error) {
	client, err := sfmc.NewClient(cfg.SFMC.SOAPURL, sfmc.StaticToken(cfg.SFMC.AccessToken), cfg.SFMC.HTTPTimeout, location)
	if err != nil {
		return nil, fmt.Errorf("create sfmc client: %w", err)
	}
	retriever := core.NewRetriever(client, core.RetryOptions{
		MaxRetries:      uint64(cfg.Sync.RetryMax),
		InitialInterval: cfg.Sync.RetryInitialInterval,
		MaxInterval:     cfg.Sync.RetryMaxInterval,
	}, logger)
	synchronizer := core.NewSynchronizer(retriever, storeInst, logger)

	var notifier core.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return nil, fmt.Errorf("create bark notifier: %w", err)
		}
		notifier = notify.NewMultiNotifier(bark)
	}

	return core.NewScheduler(storeInst, synchronizer, notifier, logger, core.SchedulerOptions{
		Cron:     cfg.Sync.Schedule,
		Location: location,
		Timeout:  cfg.Sync.Timeout,
	})
}

// runOnceMode performs a single sync and maps its outcome to an exit code.
func runOnceMode(ctx context.Context, scheduler *core.Scheduler, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := scheduler.RunOnce(ctx)
	if err != nil {
		logger.Error("sync run", "err", err)
		return 1
	}
	switch run.Status {
	case core.RunStatusSucceeded:
		return 0
	case core.RunStatusPartial:
		return 2
	default:
		return 1
	}
}

// runHTTPMode serves the HTTP API, with the MCP endpoint mounted when mcpHandler is set.
func runHTTPMode(cfg *config.Config, store *store.Store, scheduler *core.Scheduler, mcpHandler http.Handler, logger *slog.Logger, location *time.Location) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, store, scheduler, mcpHandler, logger, location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	stopScheduler(scheduler, cfg.ShutdownGrace, logger)
	logger.Info("shutdown complete")
}

// runMCPMode serves the MCP tools over stdio.
func runMCPMode(cfg *config.Config, store *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := syncmcp.NewMCPServer(store, scheduler, logger, location)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
	}
	stopScheduler(scheduler, cfg.ShutdownGrace, logger)
}

func stopScheduler(scheduler *core.Scheduler, grace time.Duration, logger *slog.Logger) {
	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("scheduler stop timed out")
	}
}
