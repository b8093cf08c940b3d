package documents

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/fsrag/internal/api/middleware"
	"github.com/liliang-cn/fsrag/internal/api/render"
	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/service"
)

// Handler serves a principal's collections, documents and costs.
type Handler struct {
	adminService  *service.AdminService
	ingestService *service.IngestService
}

// NewHandler creates a new documents handler
func NewHandler(adminService *service.AdminService, ingestService *service.IngestService) *Handler {
	return &Handler{
		adminService:  adminService,
		ingestService: ingestService,
	}
}

// RegisterRoutes registers principal routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	collections := r.Group("/collections")
	{
		collections.GET("", h.ListCollections)
		collections.DELETE("/:id", h.DeleteCollection)
		collections.POST("/:id/documents", h.UploadDocument)
		collections.GET("/:id/documents", h.ListDocuments)
	}

	r.GET("/documents/:id", h.GetDocument)
	r.DELETE("/documents/:id", h.DeleteDocument)
	r.GET("/costs/summary", h.CostSummary)
}

func (h *Handler) ListCollections(c *gin.Context) {
	collections, err := h.adminService.ListCollections(c.Request.Context(), middleware.PrincipalID(c))
	if err != nil {
		render.Error(c, err)
		return
	}
	if collections == nil {
		collections = []*domain.Collection{}
	}
	c.JSON(http.StatusOK, gin.H{"collections": collections})
}

func (h *Handler) DeleteCollection(c *gin.Context) {
	id, ok := render.ID(c, "id")
	if !ok {
		return
	}
	if err := h.adminService.DeleteCollection(c.Request.Context(), middleware.PrincipalID(c), id); err != nil {
		render.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "collection deleted"})
}

// UploadDocument stages a multipart file and queues its ingestion.
func (h *Handler) UploadDocument(c *gin.Context) {
	collectionID, ok := render.ID(c, "id")
	if !ok {
		return
	}

	// Get file from form
	file, err := c.FormFile("file")
	if err != nil {
		render.BadRequest(c, "file is required")
		return
	}

	document, err := h.ingestService.Stage(c.Request.Context(), middleware.PrincipalID(c), collectionID, file)
	if err != nil {
		render.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, document)
}

func (h *Handler) ListDocuments(c *gin.Context) {
	collectionID, ok := render.ID(c, "id")
	if !ok {
		return
	}
	docs, err := h.adminService.ListDocuments(c.Request.Context(), middleware.PrincipalID(c), collectionID)
	if err != nil {
		render.Error(c, err)
		return
	}
	if docs == nil {
		docs = []*domain.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// GetDocument reports the ingestion status of a document.
func (h *Handler) GetDocument(c *gin.Context) {
	id, ok := render.ID(c, "id")
	if !ok {
		return
	}
	document, err := h.ingestService.Document(c.Request.Context(), middleware.PrincipalID(c), id)
	if err != nil {
		render.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *Handler) DeleteDocument(c *gin.Context) {
	id, ok := render.ID(c, "id")
	if !ok {
		return
	}
	if err := h.ingestService.DeleteDocument(c.Request.Context(), middleware.PrincipalID(c), id); err != nil {
		render.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "document deleted"})
}

func (h *Handler) CostSummary(c *gin.Context) {
	summary, err := h.adminService.CostSummary(c.Request.Context(), middleware.PrincipalID(c))
	if err != nil {
		render.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
