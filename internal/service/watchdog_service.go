package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/repository"
)

// AuditActionWatchdogReset is the audit action of a watchdog sweep.
const AuditActionWatchdogReset = "watchdog_reset"

const watchdogReason = "reset by watchdog"

// SweepRequest selects the stuck documents to reset.
type SweepRequest struct {
	TTL time.Duration
	// PrincipalID limits the sweep to one principal's collections.
	PrincipalID *int64
	// Target is StatusPending or StatusError.
	Target domain.DocumentStatus
	// Actor is the principal that triggered the sweep, 0 for the scheduler.
	Actor int64
}

// SweepResult is the outcome of a sweep.
type SweepResult struct {
	ResetCount int64 `json:"reset_count"`
}

// WatchdogService recovers documents stuck in RUNNING.
type WatchdogService struct {
	documents *repository.DocumentRepository
	audit     *repository.AuditRepository
	logger    *zap.Logger
	now       func() time.Time
}

// NewWatchdogService creates a new watchdog service
func NewWatchdogService(documents *repository.DocumentRepository, audit *repository.AuditRepository, logger *zap.Logger) *WatchdogService {
	return &WatchdogService{
		documents: documents,
		audit:     audit,
		logger:    logger.Named("watchdog"),
		now:       time.Now,
	}
}

// ParseResetTarget maps "pending" or "error" to a document status.
func ParseResetTarget(s string) (domain.DocumentStatus, error) {
	switch s {
	case "", "pending", "PENDING":
		return domain.StatusPending, nil
	case "error", "ERROR":
		return domain.StatusError, nil
	}
	return "", fmt.Errorf("%w: reset_to must be pending or error", domain.ErrInvalidRequest)
}

// Sweep resets RUNNING documents whose status has not changed for req.TTL.
// DONE, ERROR, PENDING and recently changed RUNNING rows are never touched.
func (s *WatchdogService) Sweep(ctx context.Context, req SweepRequest) (*SweepResult, error) {
	if req.TTL < time.Minute {
		return nil, fmt.Errorf("%w: ttl must be at least one minute", domain.ErrInvalidRequest)
	}
	if req.Target != domain.StatusPending && req.Target != domain.StatusError {
		return nil, fmt.Errorf("%w: reset target %q", domain.ErrInvalidRequest, req.Target)
	}

	cutoff := s.now().Add(-req.TTL)
	n, err := s.documents.ResetStuck(ctx, cutoff, req.PrincipalID, req.Target, watchdogReason)
	if err != nil {
		return nil, fmt.Errorf("reset stuck documents: %w", err)
	}

	fields := []zap.Field{
		zap.Int64("reset_count", n),
		zap.Duration("ttl", req.TTL),
		zap.String("target", string(req.Target)),
		zap.Int64("actor", req.Actor),
	}
	if req.PrincipalID != nil {
		fields = append(fields, zap.Int64("principal_id", *req.PrincipalID))
	}
	if n > 0 {
		s.logger.Warn("reset stuck documents", fields...)
	} else {
		s.logger.Debug("no stuck documents", fields...)
	}

	meta := map[string]any{
		"ttl_minutes": int64(req.TTL / time.Minute),
		"reset_count": n,
		"target":      string(req.Target),
	}
	if req.PrincipalID != nil {
		meta["principal_id"] = *req.PrincipalID
	}
	if err := s.audit.Append(ctx, &domain.AuditRecord{
		PrincipalID: req.Actor,
		Action:      AuditActionWatchdogReset,
		TargetType:  "document",
		Metadata:    meta,
	}); err != nil {
		s.logger.Error("failed to write audit record", zap.Error(err))
	}

	return &SweepResult{ResetCount: n}, nil
}
