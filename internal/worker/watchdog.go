package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/service"
)

// Sweeper resets stuck documents.
type Sweeper interface {
	Sweep(ctx context.Context, req service.SweepRequest) (*service.SweepResult, error)
}

// Watchdog runs a sweep on a fixed schedule.
type Watchdog struct {
	sweeper Sweeper
	req     service.SweepRequest
	cron    *cron.Cron
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatchdog creates a scheduled sweep from cfg.
func NewWatchdog(sweeper Sweeper, cfg config.WatchdogConfig, logger *zap.Logger) (*Watchdog, error) {
	if cfg.Interval < time.Second {
		return nil, fmt.Errorf("watchdog interval must be at least 1s, got %s", cfg.Interval)
	}
	target, err := service.ParseResetTarget(cfg.ResetTo)
	if err != nil {
		return nil, err
	}

	w := &Watchdog{
		sweeper: sweeper,
		req:     service.SweepRequest{TTL: cfg.TTL, Target: target},
		cron:    cron.New(),
		logger:  logger.Named("watchdog"),
	}
	if _, err := w.cron.AddFunc("@every "+cfg.Interval.String(), w.run); err != nil {
		return nil, fmt.Errorf("schedule watchdog: %w", err)
	}
	return w, nil
}

// Start begins the schedule. Sweeps are cancelled when ctx is.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.cron.Start()
	w.logger.Info("watchdog scheduled",
		zap.Duration("ttl", w.req.TTL),
		zap.String("reset_to", string(w.req.Target)),
	)
}

// Stop halts the schedule and waits for a running sweep.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	<-w.cron.Stop().Done()
}

func (w *Watchdog) run() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := w.sweeper.Sweep(ctx, w.req)
	if err != nil {
		w.logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	if res.ResetCount > 0 {
		w.logger.Info("scheduled sweep reset documents", zap.Int64("reset_count", res.ResetCount))
	}
}
