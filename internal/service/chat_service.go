package service

import (
	"context"

	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/repository"
)

// transcriptLimit bounds the messages returned for one session.
const transcriptLimit = 200

// ChatService handles chat operations of a principal
type ChatService struct {
	executor    *StreamExecutor
	sessionRepo *repository.SessionRepository
}

// NewChatService creates a new chat service
func NewChatService(executor *StreamExecutor, sessionRepo *repository.SessionRepository) *ChatService {
	return &ChatService{
		executor:    executor,
		sessionRepo: sessionRepo,
	}
}

// Stream answers req for principalID, writing events to sink.
func (s *ChatService) Stream(ctx context.Context, principalID int64, req *domain.ChatRequest, sink EventSink) error {
	return s.executor.Execute(ctx, StreamRequest{
		PrincipalID:    principalID,
		CollectionIDs:  req.CollectionIDs,
		SessionID:      req.SessionID,
		Question:       req.Question,
		Model:          req.Model,
		MetadataFilter: req.MetadataFilter,
	}, sink)
}

// Transcript returns the messages of a session owned by principalID.
func (s *ChatService) Transcript(ctx context.Context, principalID int64, sessionID string) ([]*domain.Message, error) {
	session, err := s.sessionRepo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.PrincipalID != principalID {
		return nil, domain.ErrNotFound
	}
	return s.sessionRepo.RecentMessages(ctx, sessionID, transcriptLimit)
}
