package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/ledger"
	"github.com/liliang-cn/fsrag/internal/metrics"
	"github.com/liliang-cn/fsrag/internal/provider"
	"github.com/liliang-cn/fsrag/internal/repository"
)

// IngestService moves documents through PENDING -> RUNNING -> DONE|ERROR.
type IngestService struct {
	documents   *repository.DocumentRepository
	collections *repository.CollectionRepository
	queue       *repository.QueueRepository
	ledger      *ledger.Ledger
	provider    provider.Client
	metrics     metrics.Recorder
	cfg         config.IngestionConfig
	storage     config.StorageConfig
	logger      *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(
	documents *repository.DocumentRepository,
	collections *repository.CollectionRepository,
	queue *repository.QueueRepository,
	ldg *ledger.Ledger,
	client provider.Client,
	recorder metrics.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		documents:   documents,
		collections: collections,
		queue:       queue,
		ledger:      ldg,
		provider:    client,
		metrics:     recorder,
		cfg:         cfg.Ingestion,
		storage:     cfg.Storage,
		logger:      logger.Named("ingest"),
	}
}

// Supported upload extensions
var supportedExtensions = map[string]string{
	".pdf":      "application/pdf",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".html":     "text/html",
	".htm":      "text/html",
	".csv":      "text/csv",
	".json":     "application/json",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DetectMimeType returns the MIME type recorded for filename, or "" when
// the extension is not accepted.
func DetectMimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := supportedExtensions[ext]; ok {
		return mt
	}
	return ""
}

// Enqueue validates job and writes it to the durable queue.
func (s *IngestService) Enqueue(ctx context.Context, job domain.IngestionJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	id, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("ingestion job enqueued",
		zap.String("message_id", id),
		zap.Int64("document_id", job.DocumentID),
		zap.Int64("collection_id", job.CollectionID),
	)
	return id, nil
}

// Stage saves an uploaded file under the staging directory, creates its
// PENDING document and enqueues it.
func (s *IngestService) Stage(
	ctx context.Context,
	principalID int64,
	collectionID int64,
	file *multipart.FileHeader,
) (*domain.Document, error) {
	owned, err := s.collections.Owns(ctx, principalID, collectionID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, domain.ErrNotFound
	}

	mimeType := DetectMimeType(file.Filename)
	if mimeType == "" {
		return nil, fmt.Errorf("%w: unsupported file type %q", domain.ErrInvalidRequest, filepath.Ext(file.Filename))
	}
	if s.storage.MaxFileSize > 0 && file.Size > s.storage.MaxFileSize {
		return nil, fmt.Errorf("%w: file exceeds %s", domain.ErrInvalidRequest, humanize.Bytes(uint64(s.storage.MaxFileSize)))
	}

	if err := os.MkdirAll(s.storage.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	stagedPath := filepath.Join(s.storage.TmpDir, uuid.New().String()+strings.ToLower(filepath.Ext(file.Filename)))

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(stagedPath)
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	doc := &domain.Document{
		CollectionID: collectionID,
		DisplayName:  filepath.Base(file.Filename),
		SizeBytes:    size,
		MimeType:     mimeType,
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		os.Remove(stagedPath)
		return nil, err
	}

	if _, err := s.Enqueue(ctx, domain.IngestionJob{
		DocumentID:        doc.ID,
		CollectionID:      collectionID,
		LocalArtifactPath: stagedPath,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("document staged",
		zap.Int64("document_id", doc.ID),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.String("mime_type", mimeType),
	)
	return doc, nil
}

// Document returns a document of a collection the principal owns.
func (s *IngestService) Document(ctx context.Context, principalID, documentID int64) (*domain.Document, error) {
	doc, err := s.documents.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, domain.ErrNotFound
	}
	owned, err := s.collections.Owns(ctx, principalID, doc.CollectionID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, domain.ErrNotFound
	}
	return doc, nil
}

// DeleteDocument soft-deletes a document and removes its provider file.
// A RUNNING document cannot be deleted.
func (s *IngestService) DeleteDocument(ctx context.Context, principalID, documentID int64) error {
	doc, err := s.Document(ctx, principalID, documentID)
	if err != nil {
		return err
	}
	if doc.Status == domain.StatusRunning {
		return fmt.Errorf("%w: document is being ingested", domain.ErrConflict)
	}
	if err := s.documents.Delete(ctx, documentID); err != nil {
		return err
	}
	if doc.ProviderFileID != "" {
		if err := s.provider.DeleteFile(context.WithoutCancel(ctx), doc.ProviderFileID); err != nil {
			s.logger.Warn("failed to delete provider file",
				append(provider.RedactedFields(err), zap.Int64("document_id", documentID))...)
		}
	}
	s.logger.Info("document deleted", zap.Int64("document_id", documentID))
	return nil
}

// HandleMessage decodes a queue payload and processes it. Malformed payloads
// are dropped. A non-nil error asks for redelivery.
func (s *IngestService) HandleMessage(ctx context.Context, payload []byte) error {
	var job domain.IngestionJob
	if err := json.Unmarshal(payload, &job); err != nil {
		s.logger.Error("dropping malformed ingestion message", zap.Error(err))
		return nil
	}
	if err := job.Validate(); err != nil {
		s.logger.Error("dropping invalid ingestion message", zap.Error(err))
		return nil
	}
	return s.Process(ctx, job)
}

// run carries the state of one Process call.
type run struct {
	job      domain.IngestionJob
	claim    *repository.Claim
	ref      string
	fileID   string
	finished bool
	// keepArtifact is set when another worker may still need the staged file.
	keepArtifact bool
	logger       *zap.Logger
}

// Process drives one document to a terminal state. It returns an error only
// for infrastructure failures after which the message should be redelivered;
// every other outcome is recorded on the document row.
func (s *IngestService) Process(ctx context.Context, job domain.IngestionJob) (err error) {
	r := &run{
		job: job,
		logger: s.logger.With(
			zap.Int64("document_id", job.DocumentID),
			zap.Int64("collection_id", job.CollectionID),
		),
	}

	redeliver := false
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("ingestion panicked", zap.Any("panic", p), zap.Stack("stack"))
			if !r.finished {
				s.rollbackUpload(ctx, r)
			}
			s.fail(ctx, r, "unexpected ingestion failure")
			err = nil
			redeliver = false
		}
		if !redeliver && !r.keepArtifact {
			s.removeArtifact(r)
		}
	}()

	if err := s.process(ctx, r); err != nil {
		redeliver = true
		return err
	}
	return nil
}

func (s *IngestService) process(ctx context.Context, r *run) error {
	claim, err := s.documents.Claim(ctx, r.job.DocumentID, r.job.CollectionID)
	switch {
	case errors.Is(err, repository.ErrCollectionGone):
		r.logger.Warn("collection missing or deleted; document failed")
		return nil
	case errors.Is(err, repository.ErrInFlight), errors.Is(err, domain.ErrConflict):
		r.logger.Info("skipping ingestion held by another worker", zap.Error(err))
		r.keepArtifact = true
		return nil
	case errors.Is(err, domain.ErrNotEligible), errors.Is(err, domain.ErrNotFound):
		r.logger.Info("skipping ingestion", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("claim document: %w", err)
	}
	r.claim = claim
	r.logger = r.logger.With(zap.Int64("principal_id", claim.PrincipalID))

	var ref provider.OperationRef
	if claim.Resume {
		r.ref = claim.Document.OperationRef
		r.fileID = claim.Document.ProviderFileID
		ref, err = provider.ParseStoredRef(r.ref)
		if err != nil {
			s.fail(ctx, r, "stored operation reference is unreadable")
			return nil
		}
		r.logger.Info("resuming ingestion", zap.String("operation", ref.Name))
	} else {
		ref, err = s.upload(ctx, r)
		if err != nil || ref.IsZero() {
			return err
		}
	}

	return s.poll(ctx, r, ref)
}

// upload sends the artifact and checkpoints the operation reference. A zero
// ref with a nil error means the document was already finished.
func (s *IngestService) upload(ctx context.Context, r *run) (provider.OperationRef, error) {
	doc := r.claim.Document
	r.logger.Info("uploading document",
		zap.String("store", r.claim.StoreName),
		zap.String("size", humanize.Bytes(uint64(doc.SizeBytes))),
	)

	res, err := s.provider.Upload(ctx, r.claim.StoreName, r.job.LocalArtifactPath, doc.DisplayName)
	if err != nil {
		r.logger.Error("upload failed", provider.RedactedFields(err)...)
		s.fail(ctx, r, "upload failed: "+err.Error())
		return provider.OperationRef{}, nil
	}
	r.fileID = res.FileID

	if err := s.documents.SetOperationRef(ctx, doc.ID, res.Operation.Name, res.FileID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			r.logger.Warn("document changed during upload; discarding uploaded file")
			s.rollbackUpload(ctx, r)
			return provider.OperationRef{}, nil
		}
		s.rollbackUpload(ctx, r)
		s.fail(ctx, r, "could not record upload")
		return provider.OperationRef{}, nil
	}
	r.ref = res.Operation.Name
	return res.Operation, nil
}

func (s *IngestService) pollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.PollInitial
	b.MaxInterval = s.cfg.PollMax
	b.Multiplier = s.cfg.PollMultiplier
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// poll waits for the indexing operation within the ingestion timeout.
func (s *IngestService) poll(ctx context.Context, r *run, ref provider.OperationRef) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	b := s.pollBackOff()
	polls := 0
	for {
		polls++
		st, err := s.provider.Poll(pollCtx, ref)
		switch {
		case err == nil && st.Done && st.Error == "":
			if st.FileID != "" {
				r.fileID = st.FileID
			}
			return s.complete(ctx, r, polls)
		case err == nil && st.Done:
			r.logger.Warn("provider reported indexing failure")
			s.fail(ctx, r, st.Error)
			return nil
		case errors.Is(err, provider.ErrOperationNotFound):
			r.logger.Warn("provider lost the operation", provider.RedactedFields(err)...)
			s.fail(ctx, r, "indexing operation not found")
			return nil
		case err != nil && ctx.Err() != nil:
			// shutting down; the checkpointed ref lets a redelivery resume
			return ctx.Err()
		case err != nil && pollCtx.Err() == nil && !provider.IsRetryable(err):
			r.logger.Error("poll rejected", provider.RedactedFields(err)...)
			s.fail(ctx, r, "indexing status check failed")
			return nil
		case err != nil:
			r.logger.Warn("transient poll failure", provider.RedactedFields(err)...)
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("ingestion timed out", zap.Int("polls", polls))
			s.fail(ctx, r, fmt.Sprintf("ingestion timed out after %s", s.cfg.Timeout))
			return nil
		case <-timer.C:
		}
	}
}

func (s *IngestService) complete(ctx context.Context, r *run, polls int) error {
	doc := r.claim.Document
	ok, err := s.documents.Finish(context.WithoutCancel(ctx), doc.ID, r.ref, domain.StatusDone, "")
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	r.finished = true
	if !ok {
		r.logger.Info("document already finished elsewhere")
		return nil
	}

	entry, err := s.ledger.RecordIndexing(context.WithoutCancel(ctx), r.claim.PrincipalID, doc.CollectionID, doc.SizeBytes, doc.MimeType)
	if err != nil {
		r.logger.Error("failed to record indexing cost", zap.Error(err))
	} else if entry != nil {
		s.metrics.AddTokens(ledger.IndexModel, "index", entry.IndexTokens)
	}

	r.logger.Info("document indexed",
		zap.Int("polls", polls),
		zap.String("size", humanize.Bytes(uint64(doc.SizeBytes))),
	)
	return nil
}

// fail moves the claimed document to ERROR with a sanitised reason.
func (s *IngestService) fail(ctx context.Context, r *run, reason string) {
	if r.claim == nil || r.finished {
		return
	}
	r.finished = true
	ok, err := s.documents.Finish(context.WithoutCancel(ctx), r.claim.Document.ID, r.ref, domain.StatusError, domain.SanitizeReason(reason))
	if err != nil {
		r.logger.Error("failed to record ingestion failure", zap.Error(err))
		return
	}
	if ok {
		r.logger.Warn("document failed", zap.String("reason", domain.SanitizeReason(reason)))
	}
}

func (s *IngestService) rollbackUpload(ctx context.Context, r *run) {
	if r.fileID == "" {
		return
	}
	if err := s.provider.DeleteFile(context.WithoutCancel(ctx), r.fileID); err != nil {
		r.logger.Warn("failed to delete uploaded file", provider.RedactedFields(err)...)
	}
}

// removeArtifact deletes the staged file. Paths outside the staging
// directory are left alone.
func (s *IngestService) removeArtifact(r *run) {
	path := r.job.LocalArtifactPath
	if path == "" || !s.staged(path) {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to remove staged artifact", zap.Error(err))
	}
}

func (s *IngestService) staged(path string) bool {
	root, err := filepath.Abs(s.storage.TmpDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
