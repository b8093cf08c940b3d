package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/worker"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion workers and watchdog without the HTTP API",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wait, err := startBackground(ctx, a)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("Stopping workers...")
	wait()
	return nil
}

// startBackground starts the worker pool and, when enabled, the watchdog.
// The returned function blocks until both have stopped; ctx must be
// cancelled first.
func startBackground(ctx context.Context, a *app) (func(), error) {
	pool, err := worker.NewPool(a.queue, a.ingest, a.cfg.Ingestion, a.logger)
	if err != nil {
		return nil, err
	}

	var dog *worker.Watchdog
	if a.cfg.Watchdog.Enabled {
		dog, err = worker.NewWatchdog(a.watchdog, a.cfg.Watchdog, a.logger)
		if err != nil {
			return nil, err
		}
		dog.Start(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(ctx); err != nil {
			a.logger.Error("worker pool stopped with error", zap.Error(err))
		}
	}()

	return func() {
		<-done
		if dog != nil {
			dog.Stop()
		}
	}, nil
}
