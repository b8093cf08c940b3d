package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/api"
	"github.com/liliang-cn/fsrag/internal/service"
)

var serveWithoutWorkers bool

func init() {
	serveCmd.Flags().BoolVar(&serveWithoutWorkers, "no-worker", false, "serve the API only; run ingestion in a separate worker process")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the ingestion workers and watchdog",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	var background func()
	if !serveWithoutWorkers {
		background, err = startBackground(ctx, a)
		if err != nil {
			return err
		}
	}

	executor := service.NewStreamExecutor(cfg, a.provider, a.ledger, a.collections, a.sessions, logger)
	router := api.SetupRouter(api.Services{
		Admin:    service.NewAdminService(a.collections, a.documents, a.queue, a.ledgerRepo, a.ledger),
		Ingest:   a.ingest,
		Chat:     service.NewChatService(executor, a.sessions),
		Watchdog: a.watchdog,
		Metrics:  a.metrics,
	}, api.RouterConfigFrom(cfg), logger)

	// No write timeout: answer streams stay open while keepalives flow.
	srv := &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting fsrag server",
			zap.String("address", cfg.Address()),
			zap.Bool("mock_mode", cfg.Provider.MockMode),
			zap.String("lock_strategy", cfg.Database.LockStrategy),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			if background != nil {
				background()
			}
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if background != nil {
		background()
	}

	logger.Info("Server exited")
	return nil
}
