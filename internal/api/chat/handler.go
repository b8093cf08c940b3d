package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/api/middleware"
	"github.com/liliang-cn/fsrag/internal/api/render"
	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/service"
)

// Handler handles chat API requests
type Handler struct {
	chatService *service.ChatService
	logger      *zap.Logger
}

// NewHandler creates a new chat handler
func NewHandler(chatService *service.ChatService, logger *zap.Logger) *Handler {
	return &Handler{chatService: chatService, logger: logger.Named("chat")}
}

// RegisterRoutes registers chat routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stream", h.Stream)
	r.GET("/sessions/:id/messages", h.Messages)
}

// Stream answers a question as server-sent events.
func (h *Handler) Stream(c *gin.Context) {
	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render.BadRequest(c, err.Error())
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	sink := &sseSink{w: c.Writer}
	err := h.chatService.Stream(c.Request.Context(), middleware.PrincipalID(c), &req, sink)
	if err != nil {
		h.logger.Debug("stream ended early", zap.Error(err))
	}
}

// Messages returns the transcript of a session.
func (h *Handler) Messages(c *gin.Context) {
	messages, err := h.chatService.Transcript(c.Request.Context(), middleware.PrincipalID(c), c.Param("id"))
	if err != nil {
		render.Error(c, err)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// sseSink frames stream events as SSE data lines.
type sseSink struct {
	w gin.ResponseWriter
}

func (s *sseSink) write(frame string) error {
	if _, err := s.w.WriteString(frame); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

func (s *sseSink) Send(ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.write("data: " + string(data) + "\n\n")
}

func (s *sseSink) Keepalive() error {
	return s.write(fmt.Sprintf(": keepalive %d\n\n", time.Now().Unix()))
}

func (s *sseSink) Terminate() error {
	return s.write("data: [DONE]\n\n")
}
