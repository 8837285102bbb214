package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/config"
	"github.com/victorarias/ptyhost/internal/logging"
	"github.com/victorarias/ptyhost/internal/ptyworker"
)

func runWorker(args []string) int {
	fs := flag.NewFlagSet("pty-worker", flag.ContinueOnError)
	instanceID := fs.String("instance-id", "", "id of the supervisor that launched this worker")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if os.Getenv(ptyworker.WorkerEnvVar) != "1" {
		fmt.Fprintln(os.Stderr, "pty-worker is started by ptyhost; run `ptyhost` instead")
		return 2
	}

	// The supervisor has already rejected a bad environment; the worker
	// falls back to defaults rather than leave it waiting for ready.
	cfg := config.LoadOrDefault()
	// stdout carries protocol frames; logs go to stderr, which the
	// supervisor captures.
	logger := logging.NewOrNop(logging.WorkerConfig(cfg.Log.Level))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := ptyworker.Run(ctx, ptyworker.Config{
		In:                   os.Stdin,
		Out:                  os.Stdout,
		LoadBackend:          ptyworker.NativeBackend(cfg.Worker.KillGrace),
		Logger:               logger,
		InstanceID:           *instanceID,
		InitFailureExitDelay: cfg.Worker.InitExitDelay,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pty worker stopped", zap.Error(err))
		return 1
	}
	return 0
}
