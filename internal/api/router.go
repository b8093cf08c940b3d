package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/api/admin"
	"github.com/liliang-cn/fsrag/internal/api/chat"
	"github.com/liliang-cn/fsrag/internal/api/documents"
	"github.com/liliang-cn/fsrag/internal/api/middleware"
	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/service"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
	RateLimit    config.RateLimitConfig
}

// Services are the handlers' dependencies.
type Services struct {
	Admin    *service.AdminService
	Ingest   *service.IngestService
	Chat     *service.ChatService
	Watchdog *service.WatchdogService
	Metrics  admin.MetricsSource
}

// SetupRouter sets up the Gin router
func SetupRouter(s Services, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))

	// CORS middleware
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Principal API (identity from the auth layer in front)
	principal := r.Group("/api")
	principal.Use(middleware.Principal())
	chat.NewHandler(s.Chat, logger).RegisterRoutes(principal.Group("/chat"))
	documents.NewHandler(s.Admin, s.Ingest).RegisterRoutes(principal)

	// Admin API (requires API key)
	adminHandler := admin.NewHandler(s.Admin, s.Ingest, s.Watchdog, s.Metrics, cfg.RateLimit, logger)
	adminGroup := r.Group("/api/admin")
	adminGroup.Use(middleware.Auth(cfg.APIKey))
	adminHandler.RegisterRoutes(adminGroup)

	return r
}

// RouterConfigFrom builds a RouterConfig from the loaded configuration.
func RouterConfigFrom(cfg *config.Config) RouterConfig {
	return RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
		RateLimit:    cfg.RateLimit,
	}
}
