package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/api/middleware"
	"github.com/liliang-cn/fsrag/internal/api/render"
	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/metrics"
	"github.com/liliang-cn/fsrag/internal/service"
)

// MetricsSource provides the runtime metrics snapshot.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

// Handler handles admin API requests
type Handler struct {
	adminService    *service.AdminService
	ingestService   *service.IngestService
	watchdogService *service.WatchdogService
	metrics         MetricsSource
	rateLimit       config.RateLimitConfig
	logger          *zap.Logger
}

// NewHandler creates a new admin handler
func NewHandler(
	adminService *service.AdminService,
	ingestService *service.IngestService,
	watchdogService *service.WatchdogService,
	metrics MetricsSource,
	rateLimit config.RateLimitConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		adminService:    adminService,
		ingestService:   ingestService,
		watchdogService: watchdogService,
		metrics:         metrics,
		rateLimit:       rateLimit,
		logger:          logger.Named("admin"),
	}
}

// RegisterRoutes registers admin routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/collections", h.CreateCollection)
	r.PUT("/budgets/:principal_id", h.SetBudget)
	r.GET("/ledger/:principal_id", h.LedgerEntries)

	r.POST("/ingestion/jobs", h.EnqueueJob)
	r.POST("/watchdog/reset-stuck", middleware.RateLimit(h.rateLimit), h.ResetStuck)

	r.GET("/metrics", h.GetMetrics)
	r.GET("/stats", h.GetStats)
}

// Collection handlers

func (h *Handler) CreateCollection(c *gin.Context) {
	var req domain.CreateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render.BadRequest(c, err.Error())
		return
	}

	collection, err := h.adminService.CreateCollection(c.Request.Context(), &req)
	if err != nil {
		render.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, collection)
}

// Budget handlers

type budgetRequest struct {
	MonthlyLimitUSD *float64 `json:"monthly_limit_usd" binding:"required"`
}

func (h *Handler) SetBudget(c *gin.Context) {
	principalID, ok := render.ID(c, "principal_id")
	if !ok {
		return
	}
	var req budgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := h.adminService.SetMonthlyLimit(ctx, principalID, *req.MonthlyLimitUSD); err != nil {
		render.Error(c, err)
		return
	}
	summary, err := h.adminService.CostSummary(ctx, principalID)
	if err != nil {
		render.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) LedgerEntries(c *gin.Context) {
	principalID, ok := render.ID(c, "principal_id")
	if !ok {
		return
	}
	entries, err := h.adminService.LedgerEntries(c.Request.Context(), principalID, c.Query("kind"))
	if err != nil {
		render.Error(c, err)
		return
	}
	if entries == nil {
		entries = []*domain.LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Ingestion handlers

// EnqueueJob queues a raw ingestion job.
func (h *Handler) EnqueueJob(c *gin.Context) {
	var job domain.IngestionJob
	if err := c.ShouldBindJSON(&job); err != nil {
		render.BadRequest(c, err.Error())
		return
	}
	if err := job.Validate(); err != nil {
		render.Error(c, err)
		return
	}

	id, err := h.ingestService.Enqueue(c.Request.Context(), job)
	if err != nil {
		render.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": id})
}

type resetStuckRequest struct {
	TTLMinutes  int    `json:"ttl_minutes" binding:"required,min=1"`
	PrincipalID *int64 `json:"principal_id"`
	ResetTo     string `json:"reset_to"`
}

// ResetStuck runs an on-demand watchdog sweep.
func (h *Handler) ResetStuck(c *gin.Context) {
	var req resetStuckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render.BadRequest(c, "ttl_minutes must be an integer of at least 1")
		return
	}
	target, err := service.ParseResetTarget(req.ResetTo)
	if err != nil {
		render.Error(c, err)
		return
	}

	actor, _ := middleware.ParsePrincipal(c.GetHeader(middleware.PrincipalHeader))
	res, err := h.watchdogService.Sweep(c.Request.Context(), service.SweepRequest{
		TTL:         time.Duration(req.TTLMinutes) * time.Minute,
		PrincipalID: req.PrincipalID,
		Target:      target,
		Actor:       actor,
	})
	if err != nil {
		render.Error(c, err)
		return
	}
	h.logger.Info("manual watchdog sweep",
		zap.Int("ttl_minutes", req.TTLMinutes),
		zap.Int64("reset_count", res.ResetCount),
		zap.Int64("actor", actor),
	)
	c.JSON(http.StatusOK, res)
}

// Stats handlers

func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.adminService.GetStats(c.Request.Context())
	if err != nil {
		render.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
