package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/benaskins/sandcastle/internal/api"
	"github.com/benaskins/sandcastle/internal/config"
	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/health"
	"github.com/benaskins/sandcastle/internal/journal"
	"github.com/benaskins/sandcastle/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	Short:   "Run the sandcastle controller",
	Long:    "Start the controller: an executor pool behind a REST API on a Unix socket and, optionally, TCP.",
	Args:    cobra.NoArgs,
	RunE:    runServe,
}

var serveAPIAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAPIAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", configPath, err)
	}
	if serveAPIAddr != "" {
		cfg.APIAddr = serveAPIAddr
	}
	if _, err := sandcastleHome(); err != nil {
		return fmt.Errorf("creating sandcastle home: %w", err)
	}

	slog.Info("sandcastle starting", "runtime", cfg.Worker.Runtime, "pool_size", cfg.Pool.MaxSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	observers := []executor.Observer{collector}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		observers = append(observers, j)
		slog.Info("journal enabled", "path", j.Path())
	}

	p, err := newPool(cfg, executor.Observers(observers...), collector)
	if err != nil {
		return err
	}

	if cfg.Pool.WatchClasspath {
		go func() {
			if err := p.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("classpath watcher stopped", "error", err)
			}
		}()
	}

	socketPath := defaultSocketPath()
	// Remove stale socket
	os.Remove(socketPath)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	apiOpts := []api.Option{api.WithMetrics(collector, reg)}
	if iv := cfg.Pool.ProbeInterval.Duration; iv > 0 {
		apiOpts = append(apiOpts, api.WithProbes(health.Config{
			Interval:    iv,
			Timeout:     30 * time.Second,
			GracePeriod: iv,
		}))
	}
	srv := api.NewServer(p, apiOpts...)
	srv.StartProbes(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	if cfg.APIAddr != "" {
		go func() {
			if err := srv.ListenTCP(cfg.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("tcp api error", "error", err)
			}
		}()
	}

	slog.Info("sandcastle ready", "socket", socketPath)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	if err := p.Close(); err != nil {
		slog.Warn("closing pool", "error", err)
	}
	os.Remove(socketPath)

	slog.Info("sandcastle stopped")
	return nil
}
