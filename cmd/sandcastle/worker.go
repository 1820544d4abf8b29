package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benaskins/sandcastle/internal/logging"
	"github.com/benaskins/sandcastle/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve the worker protocol on stdin and stdout",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

var (
	workerClasspath string
	workerSession   string
)

func init() {
	workerCmd.Flags().StringVar(&workerClasspath, "classpath", "", "classpath the controller launched this worker with")
	workerCmd.Flags().StringVar(&workerSession, "session", "", "session id assigned by the controller")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// stdout carries frames; anything else printed there corrupts the stream.
	out := os.Stdout
	os.Stdout = os.Stderr

	logger := logging.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel).
		With("session", workerSession, "pid", os.Getpid())
	slog.SetDefault(logger)

	reg, err := newRegistry()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	logger.Debug("worker starting", "classpath", workerClasspath)
	err = worker.Serve(ctx, os.Stdin, out, worker.Options{
		Catalog:  worker.DefaultCatalog(),
		Registry: reg,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("worker stopped", "error", err)
		return err
	}
	logger.Debug("worker stopped")
	return nil
}
