// SPDX-License-Identifier: MIT

// Command leaudiod is the headless daemon hosting a supervised LE Audio
// unicast group registry and its health/metrics endpoint.
//
// Usage:
//
//	leaudiod [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/leaudiod/config.yaml)
//	--lock-dir=PATH   Directory for the single-instance lock file
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help            Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/leaudio-go/leaudio/internal/bootstrap"
	"github.com/leaudio-go/leaudio/internal/config"
	"github.com/leaudio-go/leaudio/internal/health"
	"github.com/leaudio-go/leaudio/internal/lock"
	"github.com/leaudio-go/leaudio/internal/supervisor"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit = "unknown"
	BuildTime = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	lockDir = flag.String("lock-dir", "/var/run/leaudiod", "Directory for the single-instance lock file")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("starting leaudiod", "version", Version, "commit", Commit, "built", BuildTime)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(logger *slog.Logger) error {
	if err := os.MkdirAll(*lockDir, 0750); err != nil { //nolint:gosec // daemon needs group-readable lock dir for monitoring
		return fmt.Errorf("create lock dir: %w", err)
	}

	fl, err := lock.NewFileLock(*lockDir + "/leaudiod.lock")
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		return fmt.Errorf("another leaudiod instance is already running: %w", err)
	}
	defer fl.Release()

	kc, err := config.NewKoanfConfig(config.WithYAMLFile(*configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := kc.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("loaded configuration", "path", *configPath, "groups", len(cfg.Groups))

	registry := bootstrap.NewRegistry(logger)
	sup := supervisor.New("leaudiod", supervisor.Config{ShutdownTimeout: 30 * time.Second, Logger: logger})

	for idStr, groupCfg := range cfg.Groups {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			logger.Warn("skipping group with non-numeric id", "id", idStr)
			continue
		}
		xport := bootstrap.NewLoopbackTransport(logger)
		_, runFn, err := registry.Attach(uint32(id), groupCfg, xport)
		if err != nil {
			logger.Warn("failed to attach configured group", "group_id", id, "error", err)
			continue
		}
		if err := sup.Add(idStr, runFn); err != nil {
			logger.Warn("failed to register group loop", "group_id", id, "error", err)
			continue
		}
		logger.Info("attached group", "group_id", id)
	}

	if cfg.Monitor.Enabled {
		handler := health.NewHandler(registry)
		if err := sup.Add("health", func(ctx context.Context) error {
			return health.ListenAndServe(ctx, cfg.Monitor.HealthAddr, handler)
		}); err != nil {
			return fmt.Errorf("register health server: %w", err)
		}
		logger.Info("health endpoint enabled", "addr", cfg.Monitor.HealthAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("supervisor running", "services", sup.ServiceCount())
	if err := sup.Serve(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("supervisor: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func printUsage() {
	fmt.Printf(`leaudiod %s

USAGE:
    leaudiod [OPTIONS]

OPTIONS:
    --config PATH     Path to configuration file (default %s)
    --lock-dir PATH   Directory for the single-instance lock file (default /var/run/leaudiod)
    --log-level LEVEL Log level: debug, info, warn, error (default info)
    --help            Show this help message
`, Version, config.ConfigFilePath)
}
