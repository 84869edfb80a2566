package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/readyd"
)

func runServe(ctx context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=readyd.toml or provide as argument")
	}

	cfg, err := readyd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	closer, err := cfg.Log.Setup()
	if err != nil {
		return fmt.Errorf("logger setup: %w", err)
	}
	defer func() { _ = closer.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := readyd.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
	}()
	if err := d.Start(ctx); err != nil {
		return err
	}
	slog.Info("readyd started", "worker", cfg.Worker.Name, "check_file", cfg.Readiness.CheckFile)

	if flags.Warm {
		go warm(ctx, d)
	}

	<-ctx.Done()
	slog.Info("Shutting down")
	return nil
}

// warm runs one readiness cycle so the worker is up before the first caller asks.
func warm(ctx context.Context, d *readyd.Daemon) {
	ok, err := d.IsReady(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		slog.Error("Warm-up readiness check failed", "error", err)
	default:
		slog.Info("Warm-up readiness check finished", "ready", ok)
	}
}
