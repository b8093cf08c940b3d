package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/ledger"
	"github.com/liliang-cn/fsrag/internal/repository"
)

// AdminService handles operator and per-principal bookkeeping
type AdminService struct {
	collectionRepo *repository.CollectionRepository
	documentRepo   *repository.DocumentRepository
	queueRepo      *repository.QueueRepository
	ledgerRepo     *repository.LedgerRepository
	ledger         *ledger.Ledger
}

// NewAdminService creates a new admin service
func NewAdminService(
	collectionRepo *repository.CollectionRepository,
	documentRepo *repository.DocumentRepository,
	queueRepo *repository.QueueRepository,
	ledgerRepo *repository.LedgerRepository,
	ldg *ledger.Ledger,
) *AdminService {
	return &AdminService{
		collectionRepo: collectionRepo,
		documentRepo:   documentRepo,
		queueRepo:      queueRepo,
		ledgerRepo:     ledgerRepo,
		ledger:         ldg,
	}
}

// Collection operations

func (s *AdminService) CreateCollection(ctx context.Context, req *domain.CreateCollectionRequest) (*domain.Collection, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.StoreName) == "" {
		return nil, fmt.Errorf("%w: name and store_name are required", domain.ErrInvalidRequest)
	}
	collection := &domain.Collection{
		PrincipalID: req.PrincipalID,
		Name:        strings.TrimSpace(req.Name),
		StoreName:   strings.TrimSpace(req.StoreName),
	}
	if err := s.collectionRepo.Create(ctx, collection); err != nil {
		return nil, err
	}
	return collection, nil
}

func (s *AdminService) ListCollections(ctx context.Context, principalID int64) ([]*domain.Collection, error) {
	return s.collectionRepo.ListByPrincipal(ctx, principalID)
}

func (s *AdminService) DeleteCollection(ctx context.Context, principalID, id int64) error {
	owned, err := s.collectionRepo.Owns(ctx, principalID, id)
	if err != nil {
		return err
	}
	if !owned {
		return domain.ErrNotFound
	}
	return s.collectionRepo.Delete(ctx, id)
}

// ListDocuments returns the live documents of an owned collection.
func (s *AdminService) ListDocuments(ctx context.Context, principalID, collectionID int64) ([]*domain.Document, error) {
	owned, err := s.collectionRepo.Owns(ctx, principalID, collectionID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, domain.ErrNotFound
	}
	return s.documentRepo.ListByCollection(ctx, collectionID)
}

// Costs

func (s *AdminService) CostSummary(ctx context.Context, principalID int64) (*domain.CostSummary, error) {
	return s.ledger.Summary(ctx, principalID)
}

// SetMonthlyLimit sets a principal's monthly ceiling in USD.
func (s *AdminService) SetMonthlyLimit(ctx context.Context, principalID int64, usd float64) error {
	if usd < 0 {
		return fmt.Errorf("%w: monthly limit must not be negative", domain.ErrInvalidRequest)
	}
	return s.ledgerRepo.SetMonthlyLimit(ctx, principalID, int64(ledger.USD(usd)))
}

func (s *AdminService) LedgerEntries(ctx context.Context, principalID int64, kind string) ([]*domain.LedgerEntry, error) {
	return s.ledgerRepo.List(ctx, principalID, kind)
}

// Stats

func (s *AdminService) GetStats(ctx context.Context) (*domain.Stats, error) {
	counts, err := s.documentRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := s.queueRepo.Depth(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.Stats{Documents: counts, QueueDepth: depth}, nil
}
