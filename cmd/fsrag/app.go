package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/ledger"
	"github.com/liliang-cn/fsrag/internal/metrics"
	"github.com/liliang-cn/fsrag/internal/provider"
	"github.com/liliang-cn/fsrag/internal/repository"
	"github.com/liliang-cn/fsrag/internal/service"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *repository.DB

	collections *repository.CollectionRepository
	documents   *repository.DocumentRepository
	queue       *repository.QueueRepository
	ledgerRepo  *repository.LedgerRepository
	sessions    *repository.SessionRepository
	audit       *repository.AuditRepository

	metrics  *metrics.Collector
	ledger   *ledger.Ledger
	provider provider.Client

	ingest   *service.IngestService
	watchdog *service.WatchdogService
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := repository.NewDB(cfg.Database.Path, repository.LockStrategy(cfg.Database.LockStrategy))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		collections: repository.NewCollectionRepository(db),
		documents:   repository.NewDocumentRepository(db),
		queue:       repository.NewQueueRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		sessions:    repository.NewSessionRepository(db),
		audit:       repository.NewAuditRepository(db),
		metrics:     metrics.NewCollector(),
	}
	a.ledger = ledger.New(a.ledgerRepo, ledger.NewPricing(cfg.Pricing), logger)
	a.provider = newProviderClient(cfg, logger, a.metrics)
	a.ingest = service.NewIngestService(a.documents, a.collections, a.queue, a.ledger, a.provider, a.metrics, cfg, logger)
	a.watchdog = service.NewWatchdogService(a.documents, a.audit, logger)
	return a, nil
}

// newProviderClient returns the mock client in mock mode, otherwise the
// REST client behind retry and metrics decorators.
func newProviderClient(cfg *config.Config, logger *zap.Logger, recorder metrics.Recorder) provider.Client {
	if cfg.Provider.MockMode {
		logger.Warn("provider mock mode enabled; answers are synthetic")
		return provider.WithMetrics(provider.NewMockClient(), recorder)
	}

	policy := provider.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Provider.RetryAttempts
	policy.InitialDelay = cfg.Provider.RetryInitial
	client := provider.NewFileSearchClient(cfg.Provider, logger)
	return provider.WithMetrics(provider.WithRetry(client, policy, logger), recorder)
}

func (a *app) Close() error {
	return a.db.Close()
}
