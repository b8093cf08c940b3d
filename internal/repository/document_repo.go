package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/fsrag/internal/domain"
)

// ErrCollectionGone is returned by Claim after it moved a document of a
// missing or deleted collection to ERROR.
var ErrCollectionGone = errors.New("collection missing or deleted")

// ErrInFlight is returned by Claim for a RUNNING document without an
// operation reference: another worker is still uploading it.
var ErrInFlight = fmt.Errorf("%w: upload in flight", domain.ErrNotEligible)

// DocumentRepository handles document persistence and the ingestion status machine
type DocumentRepository struct {
	db *DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Claim is the outcome of a successful pickup.
type Claim struct {
	Document    *domain.Document
	StoreName   string
	PrincipalID int64
	// Resume is set when an operation reference was already checkpointed;
	// the worker polls it instead of uploading again.
	Resume bool
}

// Create inserts a document. Zero Status means PENDING and a zero
// StatusChangedAt means now.
func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	now := time.Now().UTC()
	if doc.Status == "" {
		doc.Status = domain.StatusPending
	}
	if doc.StatusChangedAt.IsZero() {
		doc.StatusChangedAt = now
	}
	doc.CreatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (collection_id, display_name, size_bytes, mime_type, status,
			status_changed_at_ms, operation_ref, provider_file_id, last_error, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.CollectionID, doc.DisplayName, doc.SizeBytes, doc.MimeType, string(doc.Status),
		millis(doc.StatusChangedAt), nullString(doc.OperationRef), nullString(doc.ProviderFileID),
		nullString(doc.LastError), millis(doc.CreatedAt))
	if err != nil {
		return err
	}

	doc.ID, err = result.LastInsertId()
	return err
}

// Get retrieves a document by ID. It returns nil, nil when no row exists.
func (r *DocumentRepository) Get(ctx context.Context, id int64) (*domain.Document, error) {
	return r.get(ctx, r.db, id)
}

const documentColumns = `id, collection_id, display_name, size_bytes, mime_type, status,
	status_changed_at_ms, operation_ref, provider_file_id, last_error, deleted_at_ms, created_at_ms`

func (r *DocumentRepository) get(ctx context.Context, q Querier, id int64) (*domain.Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

func scanDocument(row interface{ Scan(...any) error }) (*domain.Document, error) {
	doc := &domain.Document{}
	var (
		status                 string
		changedAt, createdAt   int64
		opRef, fileID, lastErr sql.NullString
		deletedAt              sql.NullInt64
	)
	err := row.Scan(&doc.ID, &doc.CollectionID, &doc.DisplayName, &doc.SizeBytes, &doc.MimeType,
		&status, &changedAt, &opRef, &fileID, &lastErr, &deletedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	doc.Status = domain.DocumentStatus(status)
	doc.StatusChangedAt = fromMillis(changedAt)
	doc.OperationRef = opRef.String
	doc.ProviderFileID = fileID.String
	doc.LastError = lastErr.String
	doc.Deleted = deletedAt.Valid
	doc.CreatedAt = fromMillis(createdAt)
	return doc, nil
}

// ListByCollection returns live documents of a collection, newest first.
func (r *DocumentRepository) ListByCollection(ctx context.Context, collectionID int64) ([]*domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+documentColumns+`
		FROM documents WHERE collection_id = ? AND deleted_at_ms IS NULL ORDER BY id DESC`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type claimDecision int

const (
	claimSkip claimDecision = iota
	claimStart
	claimResume
	claimCollectionGone
)

type claimTarget struct {
	doc         *domain.Document
	storeName   string
	principalID int64
	decision    claimDecision
}

func (r *DocumentRepository) loadClaimTarget(ctx context.Context, q Querier, documentID, collectionID int64) (*claimTarget, error) {
	doc, err := r.get(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.ErrNotFound
	}

	t := &claimTarget{doc: doc}
	var storeName sql.NullString
	var principalID sql.NullInt64
	var deletedAt sql.NullInt64
	err = q.QueryRowContext(ctx, `
		SELECT store_name, principal_id, deleted_at_ms FROM collections WHERE id = ?
	`, doc.CollectionID).Scan(&storeName, &principalID, &deletedAt)
	collectionLive := err == nil && !deletedAt.Valid
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	t.storeName = storeName.String
	t.principalID = principalID.Int64

	switch {
	case doc.Deleted || doc.CollectionID != collectionID:
		t.decision = claimSkip
	case !collectionLive:
		if doc.Status.Terminal() {
			t.decision = claimSkip
		} else {
			t.decision = claimCollectionGone
		}
	case doc.Status == domain.StatusPending:
		t.decision = claimStart
	case doc.Status == domain.StatusRunning && doc.OperationRef != "":
		t.decision = claimResume
	default:
		t.decision = claimSkip
	}
	return t, nil
}

// apply writes the decision guarded by the status and timestamp that were read.
// It reports false when another writer changed the row first.
func (t *claimTarget) apply(ctx context.Context, q Querier) (bool, error) {
	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	switch t.decision {
	case claimStart:
		result, err = q.ExecContext(ctx, `
			UPDATE documents
			SET status = 'RUNNING', status_changed_at_ms = ?, last_error = NULL, operation_ref = NULL
			WHERE id = ? AND status = ? AND status_changed_at_ms = ?
		`, millis(now), t.doc.ID, string(t.doc.Status), millis(t.doc.StatusChangedAt))
	case claimCollectionGone:
		result, err = q.ExecContext(ctx, `
			UPDATE documents
			SET status = 'ERROR', status_changed_at_ms = ?, last_error = ?, operation_ref = NULL
			WHERE id = ? AND status = ? AND status_changed_at_ms = ?
		`, millis(now), ErrCollectionGone.Error(), t.doc.ID, string(t.doc.Status), millis(t.doc.StatusChangedAt))
	default:
		return true, nil
	}
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		switch t.decision {
		case claimStart:
			t.doc.Status = domain.StatusRunning
			t.doc.OperationRef = ""
			t.doc.LastError = ""
		case claimCollectionGone:
			t.doc.Status = domain.StatusError
		}
		t.doc.StatusChangedAt = fromMillis(millis(now))
	}
	return n == 1, nil
}

func (t *claimTarget) result() (*Claim, error) {
	switch t.decision {
	case claimStart, claimResume:
		return &Claim{
			Document:    t.doc,
			StoreName:   t.storeName,
			PrincipalID: t.principalID,
			Resume:      t.decision == claimResume,
		}, nil
	case claimCollectionGone:
		return nil, ErrCollectionGone
	}
	if t.doc.Status == domain.StatusRunning && !t.doc.Deleted {
		return nil, ErrInFlight
	}
	return nil, fmt.Errorf("%w: status %s", domain.ErrNotEligible, t.doc.Status)
}

// Claim picks a document up for ingestion. PENDING moves to RUNNING; RUNNING
// with a checkpointed operation reference is resumed unchanged. Any other
// state returns domain.ErrNotEligible and nothing is written.
func (r *DocumentRepository) Claim(ctx context.Context, documentID, collectionID int64) (*Claim, error) {
	if r.db.Strategy() == LockNative {
		var target *claimTarget
		err := r.db.WithWriteLock(ctx, func(q Querier) error {
			var err error
			target, err = r.loadClaimTarget(ctx, q, documentID, collectionID)
			if err != nil {
				return err
			}
			_, err = target.apply(ctx, q)
			return err
		})
		if err != nil {
			return nil, err
		}
		return target.result()
	}

	for i := 0; i < optimisticRetries; i++ {
		target, err := r.loadClaimTarget(ctx, r.db, documentID, collectionID)
		if err != nil {
			return nil, err
		}
		ok, err := target.apply(ctx, r.db)
		if err != nil {
			return nil, err
		}
		if ok {
			return target.result()
		}
	}
	return nil, domain.ErrConflict
}

// SetOperationRef checkpoints the provider operation handle of a RUNNING
// document that has none yet.
func (r *DocumentRepository) SetOperationRef(ctx context.Context, documentID int64, ref, providerFileID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET operation_ref = ?, provider_file_id = COALESCE(?, provider_file_id)
		WHERE id = ? AND status = 'RUNNING' AND operation_ref IS NULL
	`, ref, nullString(providerFileID), documentID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Finish moves a RUNNING document to DONE or ERROR, provided it still holds
// expectedRef. It reports whether this call performed the transition.
func (r *DocumentRepository) Finish(ctx context.Context, documentID int64, expectedRef string, status domain.DocumentStatus, reason string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: finish to %s", domain.ErrInvalidRequest, status)
	}
	if status == domain.StatusDone {
		reason = ""
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, status_changed_at_ms = ?, last_error = ?
		WHERE id = ? AND status = 'RUNNING' AND operation_ref IS ?
	`, string(status), millis(time.Now()), nullString(reason), documentID, nullString(expectedRef))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ResetStuck moves RUNNING documents whose status changed before cutoff to
// target and clears their operation reference. A non-nil principalID limits
// the reset to that principal's collections.
func (r *DocumentRepository) ResetStuck(ctx context.Context, cutoff time.Time, principalID *int64, target domain.DocumentStatus, reason string) (int64, error) {
	if target != domain.StatusPending && target != domain.StatusError {
		return 0, fmt.Errorf("%w: reset target %s", domain.ErrInvalidRequest, target)
	}
	if target == domain.StatusPending {
		reason = ""
	}

	query := `
		UPDATE documents
		SET status = ?, status_changed_at_ms = ?, operation_ref = NULL, last_error = ?
		WHERE status = 'RUNNING' AND status_changed_at_ms < ? AND deleted_at_ms IS NULL
			AND collection_id IN (SELECT id FROM collections WHERE deleted_at_ms IS NULL)`
	args := []any{string(target), millis(time.Now()), nullString(reason), millis(cutoff)}
	if principalID != nil {
		query += ` AND collection_id IN (SELECT id FROM collections WHERE principal_id = ?)`
		args = append(args, *principalID)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Delete soft-deletes a document
func (r *DocumentRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET deleted_at_ms = ? WHERE id = ? AND deleted_at_ms IS NULL
	`, millis(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of live documents per status.
func (r *DocumentRepository) CountByStatus(ctx context.Context) (map[domain.DocumentStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM documents WHERE deleted_at_ms IS NULL GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.DocumentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.DocumentStatus(status)] = n
	}
	return counts, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
